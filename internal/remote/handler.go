package remote

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/steveyegge/localsync/internal/schema"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type handler struct {
	authority Authority
	logger    *log.Logger
}

// NewHandler serves authority over HTTP:
//
//	GET  /health      liveness probe
//	GET  /snapshot    current snapshot
//	POST /operations  apply one operation
func NewHandler(authority Authority, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	h := &handler{authority: authority, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.health)
	r.Get("/snapshot", h.snapshot)
	r.Post("/operations", h.apply)
	return r
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.authority.Fetch(r.Context())
	if err != nil {
		h.logger.Printf("Fetch failed: %v", err)
		writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to read snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) apply(w http.ResponseWriter, r *http.Request) {
	var op schema.Operation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := h.authority.Apply(r.Context(), op); err != nil {
		if errors.Is(err, ErrRejected) {
			writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
			return
		}
		h.logger.Printf("Apply %s failed: %v", op.ID, err)
		writeError(w, http.StatusInternalServerError, "apply_failed", "Failed to apply operation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "id": op.ID})
}
