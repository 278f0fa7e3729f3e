package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayer() publication.Publication {
	return publication.Publication{
		Workspace: "ws",
		Type:      publication.TypeLayer,
		Name:      "roads",
		UUID:      uuid.MustParse("0190f5d4-7a7e-7c3b-9a59-1f1f2a3b4c5d"),
	}
}

func newTestTable(t *testing.T) *TableSource {
	t.Helper()
	db, err := OpenDB("sqlite3", filepath.Join(t.TempDir(), "publications.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts, err := NewTableSource(context.Background(), LayerTable, "sqlite3", db, nil)
	require.NoError(t, err)
	return ts
}

func TestTableSource_RefreshAndRemove(t *testing.T) {
	ts := newTestTable(t)
	ctx := context.Background()
	pub := testLayer()

	require.NoError(t, ts.Refresh(ctx, pub, publication.Options{publication.OptTitle: "Roads"}))

	_, title, err := ts.catalogRow(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, "Roads", title)
	exists, err := ts.tableExists(ctx, pub)
	require.NoError(t, err)
	assert.True(t, exists)

	// Second refresh updates in place
	require.NoError(t, ts.Refresh(ctx, pub, publication.Options{publication.OptTitle: "Main roads"}))
	_, title, err = ts.catalogRow(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, "Main roads", title)

	require.NoError(t, ts.Remove(ctx, pub))
	_, _, err = ts.catalogRow(ctx, pub)
	assert.Error(t, err)
	exists, err = ts.tableExists(ctx, pub)
	require.NoError(t, err)
	assert.False(t, exists)

	// Removing twice is fine
	assert.NoError(t, ts.Remove(ctx, pub))
}

func TestTableSource_UUIDFixedAtCreation(t *testing.T) {
	ts := newTestTable(t)
	ctx := context.Background()
	pub := testLayer()

	_, found, err := ts.StoredUUID(ctx, pub)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, ts.Refresh(ctx, pub, nil))

	patched := pub
	patched.UUID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	require.NoError(t, ts.Refresh(ctx, patched, publication.Options{publication.OptTitle: "Renamed"}))

	stored, found, err := ts.StoredUUID(ctx, pub)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, pub.UUID, stored)
	_, title, err := ts.catalogRow(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", title, "other columns still update")
}

func TestTableSource_CancelledBeforeStart(t *testing.T) {
	ts := newTestTable(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ts.Refresh(ctx, testLayer(), nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = ts.catalogRow(context.Background(), testLayer())
	assert.Error(t, err)
}

func TestTableSource_CancelUndoesNewRow(t *testing.T) {
	ts := newTestTable(t)
	ctx, cancel := context.WithCancel(context.Background())
	ts.now = func() time.Time {
		cancel()
		return time.Now()
	}

	err := ts.Refresh(ctx, testLayer(), nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = ts.catalogRow(context.Background(), testLayer())
	assert.Error(t, err, "row should be rolled back")
	exists, err := ts.tableExists(context.Background(), testLayer())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTableSource_UnsupportedDriver(t *testing.T) {
	_, err := OpenDB("postgres", "")
	assert.Error(t, err)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "ws__roads", TableName(testLayer()))
}

// fakeService stores descriptors by path
type fakeService struct {
	mu       sync.Mutex
	docs     map[string][]byte
	onPut    func()
	requests int
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{docs: make(map[string][]byte)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		hook := f.onPut
		switch r.Method {
		case http.MethodGet:
			doc, ok := f.docs[r.URL.Path]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(doc)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.docs[r.URL.Path] = body
			f.mu.Unlock()
			if hook != nil {
				hook()
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			_, ok := f.docs[r.URL.Path]
			delete(f.docs, r.URL.Path)
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			f.mu.Unlock()
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) doc(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[path]
	return d, ok
}

func TestServiceSource_PutAndDelete(t *testing.T) {
	fake, srv := newFakeService(t)
	s, err := NewServiceSource(LayerWFS, ServiceConfig{BaseURL: srv.URL + "/", Resource: "wfs"}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	pub := testLayer()
	require.NoError(t, s.Refresh(ctx, pub, publication.Options{publication.OptTitle: "Roads"}))

	doc, ok := fake.doc("/workspaces/ws/wfs/layers/roads")
	require.True(t, ok)
	var d Descriptor
	require.NoError(t, json.Unmarshal(doc, &d))
	assert.Equal(t, "Roads", d.Title)
	assert.Equal(t, pub.UUID.String(), d.UUID)
	assert.Equal(t, "ws__roads", d.Table)

	require.NoError(t, s.Remove(ctx, pub))
	_, ok = fake.doc("/workspaces/ws/wfs/layers/roads")
	assert.False(t, ok)

	assert.NoError(t, s.Remove(ctx, pub), "missing descriptor is not an error")
}

func TestServiceSource_CancelRestoresPrevious(t *testing.T) {
	fake, srv := newFakeService(t)
	s, err := NewServiceSource(LayerWMS, ServiceConfig{BaseURL: srv.URL, Resource: "wms"}, nil)
	require.NoError(t, err)
	pub := testLayer()
	path := "/workspaces/ws/wms/layers/roads"

	require.NoError(t, s.Refresh(context.Background(), pub, publication.Options{publication.OptTitle: "v1"}))
	before, _ := fake.doc(path)

	ctx, cancel := context.WithCancel(context.Background())
	fake.mu.Lock()
	fake.onPut = cancel
	fake.mu.Unlock()

	err = s.Refresh(ctx, pub, publication.Options{publication.OptTitle: "v2"})
	assert.ErrorIs(t, err, context.Canceled)

	fake.mu.Lock()
	fake.onPut = nil
	fake.mu.Unlock()

	after, ok := fake.doc(path)
	require.True(t, ok)
	assert.JSONEq(t, string(before), string(after))
}

func TestServiceSource_CancelRemovesNew(t *testing.T) {
	fake, srv := newFakeService(t)
	s, err := NewServiceSource(LayerWMS, ServiceConfig{BaseURL: srv.URL, Resource: "wms"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fake.mu.Lock()
	fake.onPut = cancel
	fake.mu.Unlock()

	err = s.Refresh(ctx, testLayer(), nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := fake.doc("/workspaces/ws/wms/layers/roads")
	assert.False(t, ok)
}

func TestServiceSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewServiceSource(LayerWFS, ServiceConfig{BaseURL: srv.URL, Resource: "wfs"}, nil)
	require.NoError(t, err)

	err = s.Refresh(context.Background(), testLayer(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestServiceSource_InvalidURL(t *testing.T) {
	_, err := NewServiceSource(LayerWFS, ServiceConfig{BaseURL: "not a url", Resource: "wfs"}, nil)
	assert.Error(t, err)

	_, err = NewServiceSource(LayerWFS, ServiceConfig{BaseURL: "http://localhost"}, nil)
	assert.Error(t, err)
}

func TestServiceSource_RateLimited(t *testing.T) {
	fake, srv := newFakeService(t)
	s, err := NewServiceSource(LayerWFS, ServiceConfig{BaseURL: srv.URL, Resource: "wfs", RatePerSecond: 1, Burst: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Remove(context.Background(), testLayer()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Remove(ctx, testLayer())
	assert.Error(t, err, "second request should wait past the deadline")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.requests)
}

func TestFileSource_WriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	f := NewFileSource(LayerStyle, dir, ".style.json", RenderStyle, nil)
	pub := testLayer()

	require.NoError(t, f.Refresh(context.Background(), pub, publication.Options{publication.OptStyle: `{"v":1}`}))
	assert.Equal(t, filepath.Join(dir, "ws", "layer", "roads.style.json"), f.Path(pub))

	data, err := os.ReadFile(f.Path(pub))
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, f.Remove(context.Background(), pub))
	_, err = os.Stat(f.Path(pub))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, f.Remove(context.Background(), pub))
}

func TestFileSource_DefaultStyle(t *testing.T) {
	f := NewFileSource(LayerStyle, t.TempDir(), ".style.json", RenderStyle, nil)
	require.NoError(t, f.Refresh(context.Background(), testLayer(), nil))

	data, err := os.ReadFile(f.Path(testLayer()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"roads"`)
}

func TestFileSource_CancelRestoresPrevious(t *testing.T) {
	dir := t.TempDir()
	pub := testLayer()
	plain := NewFileSource(MapFile, dir, ".json", nil, nil)
	require.NoError(t, plain.Refresh(context.Background(), pub, publication.Options{publication.OptTitle: "old"}))
	before, err := os.ReadFile(plain.Path(pub))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := NewFileSource(MapFile, dir, ".json", func(p publication.Publication, o publication.Options) ([]byte, error) {
		cancel()
		return RenderDescriptor(p, o)
	}, nil)

	err = cancelling.Refresh(ctx, pub, publication.Options{publication.OptTitle: "new"})
	assert.ErrorIs(t, err, context.Canceled)

	after, err := os.ReadFile(plain.Path(pub))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFileSource_CancelRemovesNew(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFileSource(MapFile, t.TempDir(), ".json", func(p publication.Publication, o publication.Options) ([]byte, error) {
		cancel()
		return RenderDescriptor(p, o)
	}, nil)

	err := f.Refresh(ctx, testLayer(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(f.Path(testLayer()))
	assert.True(t, os.IsNotExist(err))
}

func TestRegisterDefaults(t *testing.T) {
	_, srv := newFakeService(t)
	db, err := OpenDB("sqlite3", filepath.Join(t.TempDir(), "publications.db"))
	require.NoError(t, err)
	defer db.Close()

	reg := source.NewRegistry()
	require.NoError(t, RegisterDefaults(context.Background(), reg, Deps{
		DB:       db,
		Driver:   "sqlite3",
		FilesDir: t.TempDir(),
		Feature:  ServiceConfig{BaseURL: srv.URL},
		Map:      ServiceConfig{BaseURL: srv.URL},
		Catalog:  ServiceConfig{BaseURL: srv.URL},
	}))

	ctx := context.Background()
	layer := testLayer()
	post := publication.Options{publication.OptKind: string(publication.KindPost)}
	chain, err := reg.BuildChain(ctx, layer, post, LayerTable)
	require.NoError(t, err)
	assert.Equal(t, []source.Name{LayerTable, LayerWFS, LayerWMS, LayerStyle, LayerMetadata}, chain.Names())

	patch := publication.Options{
		publication.OptKind:         string(publication.KindPatch),
		publication.OptStyleChanged: true,
	}
	chain, err = reg.BuildChain(ctx, layer, patch, LayerTable)
	require.NoError(t, err)
	assert.Equal(t, []source.Name{LayerWMS, LayerStyle, LayerMetadata}, chain.Names())

	m := publication.Publication{Workspace: "ws", Type: publication.TypeMap, Name: "city", UUID: uuid.New()}
	chain, err = reg.BuildChain(ctx, m, publication.Options{publication.OptKind: string(publication.KindPatch)}, MapFile)
	require.NoError(t, err)
	assert.Equal(t, []source.Name{MapMetadata}, chain.Names())
}

func TestRegisterDefaults_UnconfiguredServices(t *testing.T) {
	db, err := OpenDB("sqlite3", filepath.Join(t.TempDir(), "publications.db"))
	require.NoError(t, err)
	defer db.Close()

	reg := source.NewRegistry()
	require.NoError(t, RegisterDefaults(context.Background(), reg, Deps{DB: db, Driver: "sqlite3", FilesDir: t.TempDir()}))

	post := publication.Options{publication.OptKind: string(publication.KindPost)}
	chain, err := reg.BuildChain(context.Background(), testLayer(), post, LayerTable)
	require.NoError(t, err)
	assert.Equal(t, []source.Name{LayerTable, LayerStyle}, chain.Names())
}
