package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/source"
	"github.com/rs/zerolog/log"
)

const catalogTable = "publications"

var catalogDDL = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS publications (
	workspace  TEXT NOT NULL,
	type       TEXT NOT NULL,
	name       TEXT NOT NULL,
	uuid       TEXT NOT NULL,
	title      TEXT,
	data_table TEXT,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (workspace, type, name)
)`,
	"mysql": `CREATE TABLE IF NOT EXISTS publications (
	workspace  VARCHAR(255) NOT NULL,
	type       VARCHAR(32) NOT NULL,
	name       VARCHAR(255) NOT NULL,
	uuid       CHAR(36) NOT NULL,
	title      TEXT,
	data_table VARCHAR(512),
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (workspace, type, name)
)`,
}

var dataDDL = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS %s (fid INTEGER PRIMARY KEY, geometry TEXT, properties TEXT)`,
	"mysql":   `CREATE TABLE IF NOT EXISTS %s (fid BIGINT AUTO_INCREMENT PRIMARY KEY, geometry LONGTEXT, properties JSON)`,
}

// TableName is the data table of a layer. Names cannot contain "__", so
// the separator keeps workspace/name pairs distinct.
func TableName(pub publication.Publication) string {
	return pub.Workspace + "__" + pub.Name
}

// TableSource keeps the catalog row and the data table of a publication
type TableSource struct {
	name   source.Name
	driver string
	db     *sql.DB
	qb     *goqu.Database
	needed source.Predicate
	now    func() time.Time
}

var (
	_ source.Source    = (*TableSource)(nil)
	_ source.Remover   = (*TableSource)(nil)
	_ source.Cataloger = (*TableSource)(nil)
)

// OpenDB opens the relational store for driver "sqlite3" or "mysql"
func OpenDB(driver, dsn string) (*sql.DB, error) {
	if _, ok := catalogDDL[driver]; !ok {
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// One writer avoids SQLITE_BUSY between refreshes
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewTableSource creates the catalog table if needed
func NewTableSource(ctx context.Context, name source.Name, driver string, db *sql.DB, needed source.Predicate) (*TableSource, error) {
	ddl, ok := catalogDDL[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create catalog table: %w", err)
	}
	if needed == nil {
		needed = source.Always
	}
	return &TableSource{
		name:   name,
		driver: driver,
		db:     db,
		qb:     goqu.New(driver, db),
		needed: needed,
		now:    time.Now,
	}, nil
}

func (t *TableSource) Name() source.Name { return t.name }

func (t *TableSource) Needed(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error) {
	return t.needed(ctx, pub, opts)
}

func (t *TableSource) quote(ident string) string {
	if t.driver == "mysql" {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func keyOf(pub publication.Publication) goqu.Ex {
	return goqu.Ex{"workspace": pub.Workspace, "type": string(pub.Type), "name": pub.Name}
}

// exists reports whether the catalog row is present
func (t *TableSource) exists(ctx context.Context, pub publication.Publication) (bool, error) {
	var uuid string
	found, err := t.qb.From(catalogTable).
		Select("uuid").
		Where(keyOf(pub)).
		ScanValContext(ctx, &uuid)
	return found, err
}

// Refresh upserts the catalog row and creates the data table. If ctx is
// cancelled and the row did not exist before, both are removed again.
func (t *TableSource) Refresh(ctx context.Context, pub publication.Publication, opts publication.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	existed, err := t.exists(ctx, pub)
	if err != nil {
		return fmt.Errorf("%s: lookup %s: %w", t.name, pub.Key(), err)
	}

	err = t.write(ctx, pub, opts)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if !existed {
			if undoErr := t.Remove(context.WithoutCancel(ctx), pub); undoErr != nil {
				log.Warn().Err(undoErr).Str("publication", pub.Key()).Msg("Failed to undo table refresh")
			}
		}
		return fmt.Errorf("%s: %w", t.name, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}

func (t *TableSource) write(ctx context.Context, pub publication.Publication, opts publication.Options) error {
	d := Describe(pub, opts)
	row := goqu.Record{
		"workspace":  pub.Workspace,
		"type":       string(pub.Type),
		"name":       pub.Name,
		"uuid":       d.UUID,
		"title":      d.Title,
		"data_table": TableName(pub),
		"updated_at": t.now().UTC().Format("2006-01-02 15:04:05"),
	}
	// uuid is fixed at creation
	update := goqu.Record{
		"title":      row["title"],
		"data_table": row["data_table"],
		"updated_at": row["updated_at"],
	}

	if _, err := t.qb.Insert(catalogTable).
		Rows(row).
		OnConflict(goqu.DoUpdate("workspace, type, name", update)).
		Executor().
		ExecContext(ctx); err != nil {
		return fmt.Errorf("upsert catalog row: %w", err)
	}

	if _, err := t.db.ExecContext(ctx, fmt.Sprintf(dataDDL[t.driver], t.quote(TableName(pub)))); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}
	return nil
}

// Remove drops the data table and the catalog row
func (t *TableSource) Remove(ctx context.Context, pub publication.Publication) error {
	if _, err := t.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.quote(TableName(pub))); err != nil {
		return fmt.Errorf("%s: drop data table: %w", t.name, err)
	}
	if _, err := t.qb.Delete(catalogTable).Where(keyOf(pub)).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("%s: delete catalog row: %w", t.name, err)
	}
	return nil
}

// StoredUUID returns the UUID the catalog row was created with
func (t *TableSource) StoredUUID(ctx context.Context, pub publication.Publication) (uuid.UUID, bool, error) {
	raw, _, err := t.catalogRow(ctx, pub)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%s: read catalog row: %w", t.name, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("%s: stored uuid of %s: %w", t.name, pub.Key(), err)
	}
	return id, true, nil
}

// catalogRow returns the stored uuid and title, sql.ErrNoRows when absent
func (t *TableSource) catalogRow(ctx context.Context, pub publication.Publication) (string, string, error) {
	var row struct {
		UUID  sql.NullString `db:"uuid"`
		Title sql.NullString `db:"title"`
	}
	found, err := t.qb.From(catalogTable).Select("uuid", "title").Where(keyOf(pub)).ScanStructContext(ctx, &row)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "", "", sql.ErrNoRows
	}
	return row.UUID.String, row.Title.String, nil
}

// tableExists reports whether the data table of pub exists
func (t *TableSource) tableExists(ctx context.Context, pub publication.Publication) (bool, error) {
	var q string
	switch t.driver {
	case "mysql":
		q = "SELECT 1 FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	default:
		q = "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	var one int
	err := t.db.QueryRowContext(ctx, q, TableName(pub)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
