package main

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/assembler"
	"github.com/pyropy/carlens/core/session"
	"github.com/pyropy/carlens/core/store"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/transport"
	"github.com/pyropy/carlens/lib/lru"
)

const recordCacheSize = 256

type API struct {
	store     store.Store
	assembler *assembler.Reassembler
	pipeline  *session.Pipeline
	transport *transport.Handler

	// records are immutable once stored
	records *lru.LRU[uuid.UUID, *model.SessionRecord]
}

func NewAPI(st store.Store, asm *assembler.Reassembler, pipeline *session.Pipeline, th *transport.Handler) *API {
	return &API{
		store:     st,
		assembler: asm,
		pipeline:  pipeline,
		transport: th,
		records:   lru.New[uuid.UUID, *model.SessionRecord](recordCacheSize),
	}
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", a.transport).Methods(http.MethodGet)
	r.HandleFunc("/sessions", a.ListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", a.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.Health).Methods(http.MethodGet)

	return r
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	log.Debugw("http", "event", "ListSessions")

	records, err := a.store.All(r.Context())
	if err != nil {
		log.Errorw("http", "event", "ListSessions", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	log.Debugw("http", "event", "GetSession", "id", mux.Vars(r)["id"])

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if record, ok := a.records.Get(id); ok {
		writeJSON(w, http.StatusOK, record)
		return
	}

	record, err := a.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.Errorw("http", "event", "GetSession", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	a.records.Put(id, record)
	writeJSON(w, http.StatusOK, record)
}

type HealthReply struct {
	Status         string `json:"status"`
	PendingUploads int    `json:"pending_uploads"`
	ActiveSessions int64  `json:"active_sessions"`
	Connections    int    `json:"connections"`
}

func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthReply{
		Status:         "ok",
		PendingUploads: a.assembler.Pending(),
		ActiveSessions: a.pipeline.Active(),
		Connections:    a.transport.Connections(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("http", "event", "WriteJSON", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
