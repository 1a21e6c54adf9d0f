package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type seizeServer struct {
	mu       sync.Mutex
	batches  [][]string
	failNext int
	status   int
}

func (s *seizeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/seize" || r.Header.Get("Authorization") != "Bearer admin" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		w.WriteHeader(s.status)
		return
	}
	var body struct {
		Accounts []string `json:"accounts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.batches = append(s.batches, body.Accounts)

	accounts := make([]map[string]string, len(body.Accounts))
	for i, a := range body.Accounts {
		accounts[i] = map[string]string{"accountId": a, "amount": "10"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version":  "v1",
		"amount":   fmt.Sprint(10 * len(body.Accounts)),
		"accounts": accounts,
	})
}

func writeAccountsFile(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "account-%d.near\n", i)
	}
	b.WriteString("\n  \n")
	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	return path
}

func testConfig(apiURL, accounts string) config {
	return config{
		apiURL:       apiURL,
		adminToken:   "admin",
		accountsFile: accounts,
		logFile:      filepath.Join(filepath.Dir(accounts), "transactions.log"),
		batchSize:    2,
		maxAttempts:  3,
		timeout:      5 * time.Second,
	}
}

func TestRun_SeizesInBatchesAndDrainsFile(t *testing.T) {
	t.Parallel()

	srv := &seizeServer{failNext: 1, status: http.StatusServiceUnavailable}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	accounts := writeAccountsFile(t, 5)
	cfg := testConfig(ts.URL, accounts)

	var out bytes.Buffer
	if err := run(context.Background(), cfg, ts.Client(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(srv.batches) != 3 || len(srv.batches[0]) != 2 || len(srv.batches[2]) != 1 {
		t.Fatalf("unexpected batches: %v", srv.batches)
	}
	if srv.batches[2][0] != "account-4.near" {
		t.Fatalf("last batch: %v", srv.batches[2])
	}

	left, err := readAccounts(accounts)
	if err != nil {
		t.Fatalf("readAccounts: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("accounts left: %v", left)
	}

	logBytes, err := os.ReadFile(cfg.logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logBytes)), "\n")
	if len(lines) != 3 {
		t.Fatalf("log lines: got %d want 3", len(lines))
	}
	var first logEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if first.Accounts != 2 || first.First != "account-0.near" || first.Last != "account-1.near" || first.Amount != "20" || first.Seized != 2 {
		t.Fatalf("unexpected log entry: %+v", first)
	}
	if !strings.HasSuffix(out.String(), "done\n") {
		t.Fatalf("unexpected stdout: %q", out.String())
	}
}

func TestRun_PermanentFailureKeepsFile(t *testing.T) {
	t.Parallel()

	srv := &seizeServer{failNext: 10, status: http.StatusBadRequest}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	accounts := writeAccountsFile(t, 3)
	cfg := testConfig(ts.URL, accounts)

	err := run(context.Background(), cfg, ts.Client(), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "account-0.near") {
		t.Fatalf("expected batch error, got %v", err)
	}
	// 400 is not retried.
	if srv.failNext != 9 {
		t.Fatalf("attempts: got %d want 1", 10-srv.failNext)
	}
	left, err := readAccounts(accounts)
	if err != nil {
		t.Fatalf("readAccounts: %v", err)
	}
	if len(left) != 3 {
		t.Fatalf("accounts left: got %d want 3", len(left))
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := &seizeServer{failNext: 10, status: http.StatusBadGateway}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := testConfig(ts.URL, writeAccountsFile(t, 1))
	if err := run(context.Background(), cfg, ts.Client(), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
	if srv.failNext != 7 {
		t.Fatalf("attempts: got %d want 3", 10-srv.failNext)
	}
}

func TestRunMain_RequiresFlags(t *testing.T) {
	t.Setenv("LOCKUP_ADMIN_TOKEN", "admin")

	if err := runMain(context.Background(), []string{"--api-url", "http://127.0.0.1:1"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("missing accounts file: expected error")
	}
	if err := runMain(context.Background(), []string{"--api-url", "http://127.0.0.1:1", "--accounts-file", "x", "--batch-size", "0"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("zero batch size: expected error")
	}
}

func TestRunMain_EmptyFileIsDone(t *testing.T) {
	t.Setenv("LOCKUP_ADMIN_TOKEN", "admin")

	path := filepath.Join(t.TempDir(), "accounts.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := runMain(context.Background(), []string{"--api-url", "http://127.0.0.1:1", "--accounts-file", path, "--log-file", filepath.Join(t.TempDir(), "tx.log")}, &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	if out.String() != "done\n" {
		t.Fatalf("unexpected stdout: %q", out.String())
	}
}
