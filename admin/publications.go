package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/maxpert/pubsync/chain"
	"github.com/maxpert/pubsync/coordinator"
	"github.com/maxpert/pubsync/lock"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/queue"
	"github.com/maxpert/pubsync/source"
)

// submitRequest is the body of a mutation request. A missing start_at
// starts from the first declared source of the type.
type submitRequest struct {
	Kind    string              `json:"kind"`
	StartAt *string             `json:"start_at,omitempty"`
	UUID    string              `json:"uuid,omitempty"`
	Options publication.Options `json:"options,omitempty"`
}

type publicationView struct {
	Publication publication.Publication `json:"publication"`
	Status      coordinator.Status      `json:"status"`
	Chain       *chainView              `json:"chain,omitempty"`
	Lock        *lock.Entry             `json:"lock,omitempty"`
}

type chainView struct {
	*chain.Info
	SubmittedAtISO string           `json:"submitted_at_iso,omitempty"`
	FinishedAtISO  string           `json:"finished_at_iso,omitempty"`
	Tasks          []queue.TaskInfo `json:"tasks,omitempty"`
}

// pubFromPath resolves the publication named by the URL
func pubFromPath(r *http.Request) (publication.Publication, error) {
	return publication.Ref(
		chi.URLParam(r, "workspace"),
		publication.Type(chi.URLParam(r, "type")),
		chi.URLParam(r, "name"),
	)
}

func (h *AdminHandlers) withPublication(fn func(http.ResponseWriter, *http.Request, publication.Publication)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pub, err := pubFromPath(r)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, pub)
	}
}

func (h *AdminHandlers) viewChain(info *chain.Info) *chainView {
	if info == nil {
		return nil
	}
	v := &chainView{
		Info:           info,
		SubmittedAtISO: formatTimestamp(info.SubmittedAt),
		FinishedAtISO:  formatTimestamp(info.FinishedAt),
	}
	for _, taskID := range info.ByOrder {
		ti, err := h.coord.Queue().Info(taskID)
		if err != nil {
			ti = queue.TaskInfo{ID: taskID, ChainID: info.ID, Name: info.SourceOf(taskID), Status: queue.StatusUnknown}
		}
		v.Tasks = append(v.Tasks, ti)
	}
	return v
}

// handlePublication returns the chain record, tasks, status and lock
func (h *AdminHandlers) handlePublication(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	ctx := r.Context()

	info, err := h.coord.Chains().Get(ctx, pub)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := h.coord.GetStatus(ctx, pub)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.coord.Locks().Get(ctx, pub)
	if err != nil {
		writeError(w, err)
		return
	}

	if info != nil {
		pub = info.Publication
	}
	writeJSONResponse(w, http.StatusOK, publicationView{
		Publication: pub,
		Status:      status,
		Chain:       h.viewChain(info),
		Lock:        entry,
	}, false, "")
}

// handleStatus returns the aggregate status, optionally waiting for it to settle
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	wait, err := parseWait(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var status coordinator.Status
	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		status, err = h.coord.Wait(ctx, pub)
		if errors.Is(err, context.DeadlineExceeded) {
			status, err = h.coord.GetStatus(r.Context(), pub)
		}
	} else {
		status, err = h.coord.GetStatus(r.Context(), pub)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"publication": pub.Key(),
		"status":      status,
	}, false, "")
}

// handleSubmit starts a post or patch mutation
func (h *AdminHandlers) handleSubmit(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	kind, err := publication.ParseKind(req.Kind)
	if err != nil || kind == publication.KindDelete {
		writeErrorResponse(w, http.StatusBadRequest, "kind must be post or patch")
		return
	}

	existing, known, err := h.storedUUID(ctx, pub)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case req.UUID != "":
		if pub.UUID, err = uuid.Parse(req.UUID); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid uuid")
			return
		}
		if known && pub.UUID != existing {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("uuid of %s is %s and cannot change", pub.Key(), existing))
			return
		}
	case known:
		pub.UUID = existing
	default:
		pub.UUID = uuid.New()
	}

	var startAt string
	if req.StartAt != nil {
		startAt = *req.StartAt
		if _, err := h.coord.Sources().Lookup(pub.Type, startAt); err != nil {
			writeError(w, err)
			return
		}
	} else {
		sources, err := h.coord.Sources().Sources(pub.Type)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(sources) > 0 {
			startAt = sources[0].Name()
		}
	}

	handle, err := h.coord.SubmitMutation(ctx, pub, startAt, req.Options, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, handle, false, "")
}

// storedUUID finds the UUID pub was created with, from the registered chain
// or else from any source that keeps it
func (h *AdminHandlers) storedUUID(ctx context.Context, pub publication.Publication) (uuid.UUID, bool, error) {
	info, err := h.coord.Chains().Get(ctx, pub)
	if err != nil {
		return uuid.Nil, false, err
	}
	if info != nil && info.Publication.UUID != uuid.Nil {
		return info.Publication.UUID, true, nil
	}

	sources, err := h.coord.Sources().Sources(pub.Type)
	if err != nil {
		return uuid.Nil, false, err
	}
	for _, s := range sources {
		c, ok := s.(source.Cataloger)
		if !ok {
			continue
		}
		id, found, err := c.StoredUUID(ctx, pub)
		if err != nil {
			return uuid.Nil, false, err
		}
		if found {
			return id, true, nil
		}
	}
	return uuid.Nil, false, nil
}

// handleAbort cancels the registered chain
func (h *AdminHandlers) handleAbort(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	if err := h.coord.Abort(r.Context(), pub); err != nil {
		writeError(w, err)
		return
	}
	status, err := h.coord.GetStatus(r.Context(), pub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"publication": pub.Key(),
		"status":      status,
	}, false, "")
}

// handleResubmit reruns the registered mutation
func (h *AdminHandlers) handleResubmit(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	handle, err := h.coord.Resubmit(r.Context(), pub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, handle, false, "")
}

// handleDeleteRegistry forgets the registered chain without touching sources
func (h *AdminHandlers) handleDeleteRegistry(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	if err := h.coord.DeleteRegistryEntry(r.Context(), pub); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"deleted": pub.Key()}, false, "")
}

// handleDelete removes the publication from every source
func (h *AdminHandlers) handleDelete(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	if err := h.coord.DeletePublication(r.Context(), pub); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"deleted": pub.Key()}, false, "")
}
