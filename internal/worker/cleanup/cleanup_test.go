package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor はExecutorのモック実装。クエリごとの削除件数を返す。
type mockExecutor struct {
	calls []execCall
	rows  map[string]int64 // テーブル名 → 削除件数
	err   error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.calls = append(m.calls, execCall{query: query, args: args})
	if m.err != nil {
		return nil, m.err
	}
	for table, n := range m.rows {
		if strings.Contains(query, "FROM "+table) {
			return &fakeResult{rowsAffected: n}, nil
		}
	}
	return &fakeResult{}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogEntry はキーを含む最初のログ行を返す。
func findLogEntry(t *testing.T, buf *bytes.Buffer, key string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if _, ok := entry[key]; ok {
			return entry
		}
	}
	t.Fatalf("ログに %s が記録されていない。ログ出力: %s", key, buf.String())
	return nil
}

func TestNewCleanupJob_Defaults(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&bytes.Buffer{}))
	if job.RevokedRetentionDays != 7 {
		t.Errorf("RevokedRetentionDays = %d, want 7", job.RevokedRetentionDays)
	}
}

func TestCleanupJob_Run_DeletesCodesAndTokens(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{rows: map[string]int64{"auth_codes": 3, "refresh_tokens": 5}}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("ExecContext の呼び出し回数 = %d, want 2", len(mock.calls))
	}
	if !strings.Contains(mock.calls[0].query, "DELETE FROM auth_codes") || !strings.Contains(mock.calls[0].query, "expires_at") {
		t.Errorf("認可コードの削除クエリが不正: %s", mock.calls[0].query)
	}
	tokenQuery := mock.calls[1].query
	if !strings.Contains(tokenQuery, "DELETE FROM refresh_tokens") || !strings.Contains(tokenQuery, "revoked_at") {
		t.Errorf("リフレッシュトークンの削除クエリが不正: %s", tokenQuery)
	}
	if len(mock.calls[1].args) != 1 || mock.calls[1].args[0] != "7 days" {
		t.Errorf("interval引数 = %v, want [7 days]", mock.calls[1].args)
	}

	entry := findLogEntry(t, &buf, "deleted_refresh_tokens")
	if entry["deleted_auth_codes"] != float64(3) || entry["deleted_refresh_tokens"] != float64(5) {
		t.Errorf("削除件数のログが不正: %v", entry)
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("ログに duration_ms が記録されていない")
	}
}

func TestCleanupJob_CustomRetentionDays(t *testing.T) {
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, newTestLogger(&bytes.Buffer{}))
	job.RevokedRetentionDays = 30

	_ = job.Run(context.Background())

	if got := mock.calls[len(mock.calls)-1].args[0]; got != "30 days" {
		t.Errorf("interval引数 = %v, want 30 days", got)
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Errorf("最初の失敗で中断すべき: calls = %d", len(mock.calls))
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockExecutor{}, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if entry := findLogEntry(t, &buf, "deleted_auth_codes"); entry["deleted_auth_codes"] != float64(0) {
		t.Errorf("0件削除時のログが不正: %v", entry)
	}
}

// countingJob は実行回数を数えるJob。
type countingJob struct {
	mu    sync.Mutex
	runs  int
	fired chan struct{}
}

func (j *countingJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
	select {
	case j.fired <- struct{}{}:
	default:
	}
	return nil
}

func TestScheduler_RunsImmediatelyAndOnTick(t *testing.T) {
	job := &countingJob{fired: make(chan struct{}, 1)}
	s := NewScheduler(job, 10*time.Millisecond, newTestLogger(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-job.fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("job was not run (run %d)", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	s := NewScheduler(&countingJob{}, 0, newTestLogger(&bytes.Buffer{}))
	if s.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", s.interval)
	}
}
