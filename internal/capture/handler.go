package capture

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"capture-orchestrator/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// DefaultMaxChunkBytes caps a single chunk upload when the handler is built
// without an explicit limit.
const DefaultMaxChunkBytes = 64 << 20

// multipart bookkeeping on top of the chunk itself
const formOverhead = 1 << 20

// UserBootstrapper creates the first user of an empty users file.
type UserBootstrapper interface {
	Bootstrap(user, secret string) error
}

// Handler exposes capture HTTP endpoints using go-chi.
type Handler struct {
	ctl      *Controller
	users    UserBootstrapper
	log      *slog.Logger
	maxChunk int64
	origins  []string
}

// HandlerOptions configure limits and the WebSocket origin check.
type HandlerOptions struct {
	MaxChunkBytes int64
	// OriginPatterns are passed to the WebSocket accept check. Empty means
	// same-origin only.
	OriginPatterns []string
}

// NewHandler returns a Handler for ctl. users may be nil, which disables the
// bootstrap endpoint.
func NewHandler(ctl *Controller, users UserBootstrapper, log *slog.Logger, opts HandlerOptions) *Handler {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return &Handler{
		ctl:      ctl,
		users:    users,
		log:      log,
		maxChunk: opts.MaxChunkBytes,
		origins:  opts.OriginPatterns,
	}
}

// CORS returns middleware that answers browser preflights for the capture
// API. It has to wrap the whole router: chi never runs route middleware for
// an OPTIONS request that matches no handler.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})
}

// Mount registers every capture route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/auth/login", h.Login)
	r.Post("/auth/users", h.CreateUser)
	r.Post("/video/chunk", h.UploadChunkForm)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/chunks", h.UploadChunk)
		r.Post("/close", h.CloseSession)
	})
	r.Get("/ws/skeleton", h.Skeleton)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /auth/login. A successful login opens a capture session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		h.log.Debug("invalid login body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.ctl.Open(r.Context(), body.Username, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrAuthentication):
			h.log.Info("login rejected", slog.String("username", body.Username))
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			h.log.Error("open session failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "could not start session")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID,
		"username":   s.Owner,
	})
}

// CreateUser handles POST /auth/users. It only succeeds while no user exists.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		writeError(w, http.StatusForbidden, "user creation disabled")
		return
	}
	var body credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.users.Bootstrap(body.Username, body.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrUsersExist):
			writeError(w, http.StatusForbidden, "users already exist")
		case errors.Is(err, auth.ErrUserExists), errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("create user failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "could not create user")
		}
		return
	}

	h.log.Info("bootstrap user created", slog.String("username", body.Username))
	writeJSON(w, http.StatusCreated, map[string]string{"username": strings.TrimSpace(body.Username)})
}

// UploadChunk handles POST /sessions/{session_id}/chunks.
// Body: multipart form with a "chunk" file and a "chunk_index" field.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	h.ingestForm(w, r, SessionID(chi.URLParam(r, "session_id")))
}

// UploadChunkForm handles POST /video/chunk, where the session id travels
// as the "session_id" form field.
func (h *Handler) UploadChunkForm(w http.ResponseWriter, r *http.Request) {
	h.ingestForm(w, r, "")
}

func (h *Handler) ingestForm(w http.ResponseWriter, r *http.Request, id SessionID) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunk+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	if id == "" {
		id = SessionID(strings.TrimSpace(r.FormValue("session_id")))
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	index, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("chunk_index")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk_index must be an integer")
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk file is required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxChunk+1))
	_ = file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "read chunk")
		return
	}
	if int64(len(data)) > h.maxChunk {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
		return
	}

	ack, err := h.ctl.Ingest(r.Context(), id, index, data)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateChunk):
			h.log.Debug("duplicate chunk ignored",
				slog.String("session_id", string(id)),
				slog.Int64("chunk_index", index))
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "chunk_index": ack.Index})
		case errors.Is(err, ErrUnknownSession):
			writeError(w, http.StatusNotFound, "invalid or closed session")
		case errors.Is(err, ErrInvalidIndex):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrStorage):
			writeError(w, http.StatusInsufficientStorage, "could not store chunk")
		default:
			h.log.Error("ingest chunk failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "could not store chunk")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "chunk_index": ack.Index, "size": ack.Size})
}

type closeResponse struct {
	SessionID   SessionID     `json:"session_id"`
	State       State         `json:"state"`
	Reason      CloseReason   `json:"reason"`
	Recording   string        `json:"recording,omitempty"`
	Chunks      int           `json:"chunks,omitempty"`
	TruncatedAt *int64        `json:"truncated_at,omitempty"`
	Dropped     []int64       `json:"dropped,omitempty"`
	Analysis    ChannelReport `json:"analysis"`
	Error       string        `json:"error,omitempty"`
}

func newCloseResponse(out Outcome) closeResponse {
	resp := closeResponse{
		SessionID: out.SessionID,
		State:     out.State,
		Reason:    out.Reason,
		Analysis:  out.Analysis,
	}
	if out.Recording != nil {
		resp.Recording = out.Recording.Path
		resp.Chunks = out.Recording.Chunks
		resp.TruncatedAt = out.Recording.TruncatedAt
		resp.Dropped = out.Recording.Dropped
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// CloseSession handles POST /sessions/{session_id}/close.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	out, err := h.ctl.Close(r.Context(), id, CloseRequested)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownSession):
			writeError(w, http.StatusNotFound, "invalid or closed session")
		default:
			h.log.Warn("close wait aborted", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "close still in progress")
		}
		return
	}

	status := http.StatusOK
	if out.State == StateFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newCloseResponse(out))
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	info, err := h.ctl.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.Error("session status failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
