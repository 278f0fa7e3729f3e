package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/pubsync/chain"
	"github.com/maxpert/pubsync/lock"
	"github.com/maxpert/pubsync/publication"
	"github.com/rs/zerolog/log"
)

type lockView struct {
	Publication string `json:"publication"`
	lock.Entry
}

type chainSummary struct {
	Publication string      `json:"publication"`
	ChainID     string      `json:"chain_id"`
	Kind        string      `json:"kind"`
	State       chain.State `json:"state"`
	Finished    bool        `json:"finished"`
	Tasks       int         `json:"tasks"`
	NodeID      uint64      `json:"node_id"`
	SubmittedAt string      `json:"submitted_at"`
	Cause       string      `json:"cause,omitempty"`
}

// paginate sorts by key and returns the page after from
func paginate[T any](items []T, key func(T) string, from string, limit int) ([]T, bool, string) {
	sort.Slice(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })

	start := 0
	if from != "" {
		start = sort.Search(len(items), func(i int) bool { return key(items[i]) > from })
	}
	items = items[start:]

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	lastKey := ""
	if hasMore && len(items) > 0 {
		lastKey = key(items[len(items)-1])
	}
	return items, hasMore, lastKey
}

// handleLocks lists held publication locks
func (h *AdminHandlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var locks []lockView
	err = h.coord.Locks().Scan(r.Context(), func(pub publication.Publication, e lock.Entry) error {
		locks = append(locks, lockView{Publication: pub.Key(), Entry: e})
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	page, hasMore, lastKey := paginate(locks, func(l lockView) string { return l.Publication }, parseFrom(r), limit)
	if page == nil {
		page = []lockView{}
	}
	writeJSONResponse(w, http.StatusOK, page, hasMore, lastKey)
}

// handleChains lists registered chains, optionally only unfinished ones
func (h *AdminHandlers) handleChains(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	var chains []chainSummary
	err = h.coord.Chains().Scan(r.Context(), func(info *chain.Info) error {
		if activeOnly && info.Finished {
			return nil
		}
		chains = append(chains, chainSummary{
			Publication: info.Publication.Key(),
			ChainID:     info.ID,
			Kind:        string(info.Kind),
			State:       info.State,
			Finished:    info.Finished,
			Tasks:       len(info.ByOrder),
			NodeID:      info.NodeID,
			SubmittedAt: formatTimestamp(info.SubmittedAt),
			Cause:       info.Cause,
		})
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	page, hasMore, lastKey := paginate(chains, func(c chainSummary) string { return c.Publication }, parseFrom(r), limit)
	if page == nil {
		page = []chainSummary{}
	}
	writeJSONResponse(w, http.StatusOK, page, hasMore, lastKey)
}

// handleTask returns a task snapshot
func (h *AdminHandlers) handleTask(w http.ResponseWriter, r *http.Request) {
	info, err := h.coord.Queue().Info(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, info, false, "")
}

// handleQueueStats returns worker pool counters
func (h *AdminHandlers) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.coord.Queue().Stats(), false, "")
}

// handleForceUnlock drops a lock whatever its owner. Meant for locks left by
// a node that is gone for good; a running chain keeps running.
func (h *AdminHandlers) handleForceUnlock(w http.ResponseWriter, r *http.Request, pub publication.Publication) {
	ctx := r.Context()

	entry, err := h.coord.Locks().Get(ctx, pub)
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		writeErrorResponse(w, http.StatusNotFound, "no lock held on "+pub.Key())
		return
	}
	if err := h.coord.Locks().ForceUnlock(ctx, pub); err != nil {
		writeError(w, err)
		return
	}

	log.Warn().
		Str("publication", pub.Key()).
		Str("kind", string(entry.Kind)).
		Uint64("owner", entry.NodeID).
		Msg("Lock force-released")
	writeJSONResponse(w, http.StatusOK, lockView{Publication: pub.Key(), Entry: *entry}, false, "")
}

type typeView struct {
	Type    publication.Type `json:"type"`
	Sources []string         `json:"sources"`
}

// handleTypes lists the declared publication types with their source order
func (h *AdminHandlers) handleTypes(w http.ResponseWriter, r *http.Request) {
	types := h.coord.Sources().Types()
	views := make([]typeView, 0, len(types))
	for _, typ := range types {
		sources, err := h.coord.Sources().Sources(typ)
		if err != nil {
			writeError(w, err)
			return
		}
		names := make([]string, len(sources))
		for i, s := range sources {
			names[i] = s.Name()
		}
		views = append(views, typeView{Type: typ, Sources: names})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Type < views[j].Type })
	writeJSONResponse(w, http.StatusOK, views, false, "")
}
