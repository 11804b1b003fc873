package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
	err          error
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, r.err }

type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor はExecutorのモック。呼び出しごとにresultsを順に返す。
type mockExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	results []sql.Result
	err     error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, execCall{query: query, args: args})
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.calls) - 1
	if i < len(m.results) {
		return m.results[i], nil
	}
	return &fakeResult{}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ Executor = (*mockExecutor)(nil)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestNewCredentialSweepJob_Defaults(t *testing.T) {
	job := NewCredentialSweepJob(&mockExecutor{}, nil)
	if job == nil {
		t.Fatal("NewCredentialSweepJob は nil を返してはならない")
	}
	if job.Grace != 24*time.Hour {
		t.Errorf("Grace = %v, want 24h", job.Grace)
	}
}

func TestRun_ClearsCodesAndSessions(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{results: []sql.Result{&fakeResult{rowsAffected: 3}, &fakeResult{rowsAffected: 2}}}
	job := NewCredentialSweepJob(mock, newTestLogger(&buf))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.SetClock(func() time.Time { return now })

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Codes != 3 || res.Sessions != 2 {
		t.Errorf("result = %+v, want codes=3 sessions=2", res)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("ExecContext called %d times, want 2", len(mock.calls))
	}
	if !strings.Contains(mock.calls[0].query, "code_hash = NULL") {
		t.Errorf("first query should clear codes: %s", mock.calls[0].query)
	}
	if !strings.Contains(mock.calls[1].query, "session_token = NULL") {
		t.Errorf("second query should clear sessions: %s", mock.calls[1].query)
	}

	wantCutoff := now.Add(-24 * time.Hour)
	for i, c := range mock.calls {
		if len(c.args) != 1 {
			t.Fatalf("call %d args = %v", i, c.args)
		}
		got, ok := c.args[0].(time.Time)
		if !ok || !got.Equal(wantCutoff) {
			t.Errorf("call %d cutoff = %v, want %v", i, c.args[0], wantCutoff)
		}
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログ出力がJSON形式ではない: %v", err)
	}
	if entry["msg"] != "credential sweep completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["codes_cleared"] != float64(3) || entry["sessions_cleared"] != float64(2) {
		t.Errorf("unexpected counts in log: %v", entry)
	}
}

func TestRun_CustomGrace(t *testing.T) {
	mock := &mockExecutor{}
	job := NewCredentialSweepJob(mock, newTestLogger(&bytes.Buffer{}))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job.SetClock(func() time.Time { return now })
	job.Grace = time.Hour

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mock.calls[0].args[0].(time.Time); !got.Equal(now.Add(-time.Hour)) {
		t.Errorf("cutoff = %v, want %v", got, now.Add(-time.Hour))
	}
}

func TestRun_ExecError(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: errors.New("connection refused")}
	job := NewCredentialSweepJob(mock, newTestLogger(&buf))

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount() != 1 {
		t.Errorf("should stop after the first failure, calls = %d", mock.callCount())
	}
	if !strings.Contains(buf.String(), "expired code sweep failed") {
		t.Errorf("error should be logged: %s", buf.String())
	}
}

func TestRun_RowsAffectedError(t *testing.T) {
	mock := &mockExecutor{results: []sql.Result{&fakeResult{err: errors.New("driver does not support")}}}
	job := NewCredentialSweepJob(mock, newTestLogger(&bytes.Buffer{}))

	if _, err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	mock := &mockExecutor{}
	job := NewCredentialSweepJob(mock, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for mock.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mock.callCount() != 2 {
		t.Errorf("initial run should issue 2 statements, got %d", mock.callCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
