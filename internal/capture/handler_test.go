package capture

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"capture-orchestrator/internal/auth"

	"github.com/go-chi/chi/v5"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]string
}

func (f *fakeUsers) Bootstrap(user, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user == "" || secret == "" {
		return auth.ErrInvalidCredentials
	}
	if len(f.users) > 0 {
		return auth.ErrUsersExist
	}
	f.users = map[string]string{user: secret}
	return nil
}

func newTestRouter(t *testing.T, env *testEnv, opts HandlerOptions) *chi.Mux {
	t.Helper()
	h := NewHandler(env.ctl, &fakeUsers{}, testLogger(), opts)
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func chunkRequest(t *testing.T, path string, fields map[string]string, chunk []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if chunk != nil {
		fw, err := mw.CreateFormFile("chunk", "chunk.webm")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(chunk)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func uploadChunk(t *testing.T, r http.Handler, id SessionID, index string, chunk []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, chunkRequest(t, "/sessions/"+string(id)+"/chunks", map[string]string{"chunk_index": index}, chunk))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func login(t *testing.T, r http.Handler) SessionID {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/auth/login", credentials{Username: "alice", Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["username"] != "alice" {
		t.Errorf("login body = %v", body)
	}
	return SessionID(body["session_id"].(string))
}

func TestHandler_Login(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})

	if id := login(t, r); id == "" {
		t.Fatal("empty session id")
	}

	cases := []struct {
		name string
		body any
		want int
	}{
		{"wrong_password", credentials{Username: "alice", Password: "nope"}, http.StatusUnauthorized},
		{"unknown_user", credentials{Username: "eve", Password: "secret"}, http.StatusUnauthorized},
		{"malformed", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := doJSON(t, r, http.MethodPost, "/auth/login", tc.body); rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestHandler_Login_trims_username(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})

	rec := doJSON(t, r, http.MethodPost, "/auth/login", credentials{Username: "  alice ", Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body := decodeBody(t, rec); body["username"] != "alice" {
		t.Errorf("username echoed as %q", body["username"])
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	r := chi.NewRouter()
	r.Use(CORS([]string{"https://app.example.com"}))
	NewHandler(env.ctl, &fakeUsers{}, testLogger(), HandlerOptions{}).Mount(r)

	preflight := func(path, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	for _, path := range []string{"/auth/login", "/video/chunk", "/sessions/abc/chunks", "/sessions/abc/close"} {
		t.Run("preflight"+strings.ReplaceAll(path, "/", "_"), func(t *testing.T) {
			rec := preflight(path, "https://app.example.com")
			if rec.Code >= 300 {
				t.Errorf("preflight status %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
				t.Errorf("Access-Control-Allow-Methods = %q", got)
			}
		})
	}

	t.Run("foreign_origin", func(t *testing.T) {
		rec := preflight("/auth/login", "https://evil.example.net")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("foreign origin allowed: %q", got)
		}
	})

	t.Run("actual_request", func(t *testing.T) {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(credentials{Username: "alice", Password: "secret"})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
	})
}

func TestHandler_CreateUser_bootstrap_only(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})

	if rec := doJSON(t, r, http.MethodPost, "/auth/users", credentials{Username: "", Password: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty username: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodPost, "/auth/users", credentials{Username: "root", Password: "pw"}); rec.Code != http.StatusCreated {
		t.Errorf("first user: expected 201, got %d", rec.Code)
	}
	if rec := doJSON(t, r, http.MethodPost, "/auth/users", credentials{Username: "second", Password: "pw"}); rec.Code != http.StatusForbidden {
		t.Errorf("second user: expected 403, got %d", rec.Code)
	}
}

func TestHandler_UploadChunk(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{MaxChunkBytes: 1024})
	id := login(t, r)

	rec := uploadChunk(t, r, id, "0", []byte("first"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if body := decodeBody(t, rec); body["status"] != "success" || body["chunk_index"] != float64(0) {
		t.Errorf("body = %v", body)
	}

	rec = uploadChunk(t, r, id, "0", []byte("again"))
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate: expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "duplicate" {
		t.Errorf("duplicate body = %v", body)
	}

	cases := []struct {
		name  string
		id    SessionID
		index string
		chunk []byte
		want  int
	}{
		{"unknown_session", "missing", "1", []byte("x"), http.StatusNotFound},
		{"non_numeric_index", id, "one", []byte("x"), http.StatusBadRequest},
		{"negative_index", id, "-3", []byte("x"), http.StatusBadRequest},
		{"missing_file", id, "1", nil, http.StatusBadRequest},
		{"too_large", id, "1", bytes.Repeat([]byte("z"), 2048), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := uploadChunk(t, r, tc.id, tc.index, tc.chunk); rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body)
			}
		})
	}
}

func TestHandler_UploadChunk_storage_error(t *testing.T) {
	store := &flakyStore{DiskStore: NewDiskStore(t.TempDir(), "webm", "mp4"), fails: map[int64]int{0: 1}}
	env := newTestEnv(t, withStore(store))
	r := newTestRouter(t, env, HandlerOptions{})
	id := login(t, r)

	if rec := uploadChunk(t, r, id, "0", []byte("x")); rec.Code != http.StatusInsufficientStorage {
		t.Errorf("expected 507, got %d", rec.Code)
	}
	if rec := uploadChunk(t, r, id, "0", []byte("x")); rec.Code != http.StatusCreated {
		t.Errorf("retry: expected 201, got %d", rec.Code)
	}
}

func TestHandler_UploadChunkForm(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})
	id := login(t, r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, chunkRequest(t, "/video/chunk", map[string]string{"session_id": string(id), "chunk_index": "0"}, []byte("x")))
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, chunkRequest(t, "/video/chunk", map[string]string{"chunk_index": "1"}, []byte("x")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing session_id: expected 400, got %d", rec.Code)
	}
}

func TestHandler_CloseSession(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})

	t.Run("truncated", func(t *testing.T) {
		id := login(t, r)
		for _, idx := range []int64{0, 1, 3} {
			if rec := uploadChunk(t, r, id, strconv.FormatInt(idx, 10), chunkData(idx, 32)); rec.Code != http.StatusCreated {
				t.Fatalf("upload %d: %d", idx, rec.Code)
			}
		}
		rec := doJSON(t, r, http.MethodPost, "/sessions/"+string(id)+"/close", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
		}
		body := decodeBody(t, rec)
		if body["state"] != "closed" || body["truncated_at"] != float64(2) {
			t.Errorf("body = %v", body)
		}
		if !strings.HasSuffix(body["recording"].(string), ".mp4") {
			t.Errorf("recording = %v", body["recording"])
		}

		if rec := doJSON(t, r, http.MethodPost, "/sessions/"+string(id)+"/close", nil); rec.Code != http.StatusNotFound {
			t.Errorf("second close: expected 404, got %d", rec.Code)
		}
		if rec := uploadChunk(t, r, id, "4", []byte("late")); rec.Code != http.StatusNotFound {
			t.Errorf("upload after close: expected 404, got %d", rec.Code)
		}
	})

	t.Run("failed", func(t *testing.T) {
		id := login(t, r)
		if rec := uploadChunk(t, r, id, "1", []byte("x")); rec.Code != http.StatusCreated {
			t.Fatal(rec.Code)
		}
		rec := doJSON(t, r, http.MethodPost, "/sessions/"+string(id)+"/close", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["state"] != "failed" || !strings.Contains(body["error"].(string), "incomplete recording") {
			t.Errorf("body = %v", body)
		}
	})
}

func TestHandler_GetSession(t *testing.T) {
	env := newTestEnv(t)
	r := newTestRouter(t, env, HandlerOptions{})
	id := login(t, r)

	rec := doJSON(t, r, http.MethodGet, "/sessions/"+string(id), nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["state"] != "active" {
		t.Fatalf("live status: %d %s", rec.Code, rec.Body)
	}

	uploadChunk(t, r, id, "0", []byte("x"))
	doJSON(t, r, http.MethodPost, "/sessions/"+string(id)+"/close", nil)

	rec = doJSON(t, r, http.MethodGet, "/sessions/"+string(id), nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["state"] != "closed" {
		t.Errorf("journaled status: %d %s", rec.Code, rec.Body)
	}

	if rec := doJSON(t, r, http.MethodGet, "/sessions/unknown", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
