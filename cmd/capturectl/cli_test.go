package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capture-orchestrator/internal/auth"
	"capture-orchestrator/internal/capture"
	"capture-orchestrator/internal/journal"
)

type cliEnv struct {
	usersFile   string
	journalPath string
}

func setupCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	return cliEnv{
		usersFile:   filepath.Join(dir, "users.json"),
		journalPath: filepath.Join(dir, "journal.db"),
	}
}

func runCLI(t *testing.T, env cliEnv, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	full := append([]string{
		"--env", filepath.Join(t.TempDir(), "missing.env"),
		"--users-file", env.usersFile,
		"--journal", env.journalPath,
	}, args...)
	cmd.SetArgs(full)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func requireContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("expected output to contain %q:\n%s", want, out)
	}
}

func TestUserAdd_and_users(t *testing.T) {
	env := setupCLIEnv(t)

	out, err := runCLI(t, env, "", "useradd", "alice", "--password", "secret")
	if err != nil {
		t.Fatalf("useradd: %v", err)
	}
	requireContains(t, out, "Added user alice")

	if _, err := runCLI(t, env, "hunter2\n", "useradd", "bob"); err != nil {
		t.Fatalf("useradd from stdin: %v", err)
	}
	if _, err := runCLI(t, env, "", "useradd", "alice", "--password", "again"); err == nil {
		t.Error("expected duplicate user to fail")
	}
	if _, err := runCLI(t, env, "", "useradd", "carol"); err == nil {
		t.Error("expected missing password to fail")
	}

	out, err = runCLI(t, env, "", "users")
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if strings.TrimSpace(out) != "alice\nbob" {
		t.Errorf("users output = %q", out)
	}

	store := auth.NewFileStore(env.usersFile)
	if !store.Authenticate("bob", "hunter2") {
		t.Error("password read from stdin was not stored")
	}
}

func seedJournal(t *testing.T, path string) {
	t.Helper()
	store, err := journal.Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	truncated := int64(4)
	sessions := []capture.SessionInfo{
		{ID: "sess-closed", Owner: "alice", State: capture.StateClosed, Reason: capture.CloseRequested, CreatedAt: base, Chunks: 6,
			Recording: &capture.Recording{Path: "/data/final/session_sess-clo.mp4", Chunks: 4, TruncatedAt: &truncated}},
		{ID: "sess-failed", Owner: "bob", State: capture.StateFailed, Reason: capture.CloseDisconnected, Ungraceful: true,
			CreatedAt: base.Add(time.Minute), Error: "incomplete recording: no chunks persisted"},
	}
	for _, s := range sessions {
		if err := store.RecordOutcome(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSessions_table_and_filters(t *testing.T) {
	env := setupCLIEnv(t)
	seedJournal(t, env.journalPath)

	out, err := runCLI(t, env, "", "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	requireContains(t, out, "sess-closed")
	requireContains(t, out, "truncated at 4")
	requireContains(t, out, "disconnected*")
	if strings.Index(out, "sess-failed") > strings.Index(out, "sess-closed") {
		t.Error("newest session should be listed first")
	}

	out, err = runCLI(t, env, "", "sessions", "--owner", "bob", "--json")
	if err != nil {
		t.Fatalf("sessions --json: %v", err)
	}
	var listed []capture.SessionInfo
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(listed) != 1 || listed[0].ID != "sess-failed" {
		t.Errorf("filtered = %+v", listed)
	}

	out, err = runCLI(t, env, "", "sessions", "--state", "active")
	if err != nil {
		t.Fatal(err)
	}
	requireContains(t, out, "No sessions")
}

func TestSession_show(t *testing.T) {
	env := setupCLIEnv(t)
	seedJournal(t, env.journalPath)

	out, err := runCLI(t, env, "", "session", "sess-closed")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	requireContains(t, out, `"truncated_at": 4`)

	if _, err := runCLI(t, env, "", "session", "nope"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestRenderTable_pads_short_rows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}}, nil)
	requireContains(t, out, "only")
	if renderTable(nil, nil, nil) != "" {
		t.Error("no headers should render nothing")
	}
}
