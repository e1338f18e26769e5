package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/digijournal/internal/model"
)

type fakeSource struct {
	mu        sync.Mutex
	listened  []string
	listenErr error
	ch        chan *pq.Notification
	pings     int
	closed    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan *pq.Notification, 8)}
}

func (f *fakeSource) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = append(f.listened, channel)
	return f.listenErr
}

func (f *fakeSource) Notifications() <-chan *pq.Notification { return f.ch }

func (f *fakeSource) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type recordingMetrics struct {
	mu         sync.Mutex
	broadcasts map[string]int
}

func (r *recordingMetrics) RecordMutation(string, string, string) {}
func (r *recordingMetrics) StreamOpened(string)                   {}
func (r *recordingMetrics) StreamClosed(string)                   {}
func (r *recordingMetrics) RecordHTTPStatus(int)                  {}
func (r *recordingMetrics) RecordChangeBroadcast(collection string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts[collection]++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
}

func assertNoSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishCoalesces(t *testing.T) {
	hub := NewHub(newFakeSource(), "journal_changes", time.Minute, discardLogger(), nil)
	ch, cancel := hub.Subscribe(model.KindNote)
	defer cancel()

	hub.Publish(model.KindNote)
	hub.Publish(model.KindNote)
	hub.Publish(model.KindNote)

	waitSignal(t, ch)
	assertNoSignal(t, ch)
}

func TestHub_SubscribersArePerKind(t *testing.T) {
	hub := NewHub(newFakeSource(), "journal_changes", time.Minute, discardLogger(), nil)
	notes, cancelNotes := hub.Subscribe(model.KindNote)
	defer cancelNotes()
	essays, cancelEssays := hub.Subscribe(model.KindEssay)
	defer cancelEssays()

	hub.Publish(model.KindEssay)

	waitSignal(t, essays)
	assertNoSignal(t, notes)
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub(newFakeSource(), "journal_changes", time.Minute, discardLogger(), nil)
	ch, cancel := hub.Subscribe(model.KindNote)

	cancel()
	cancel()
	if got := hub.Subscribers(model.KindNote); got != 0 {
		t.Fatalf("Subscribers = %d, want 0", got)
	}
	hub.Publish(model.KindNote)
	assertNoSignal(t, ch)
}

func TestHub_RunDispatchesNotifications(t *testing.T) {
	src := newFakeSource()
	m := &recordingMetrics{broadcasts: map[string]int{}}
	hub := NewHub(src, "journal_changes", time.Minute, discardLogger(), m)
	notes, cancel := hub.Subscribe(model.KindNote)
	defer cancel()
	essays, cancelEssays := hub.Subscribe(model.KindEssay)
	defer cancelEssays()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	src.ch <- &pq.Notification{Channel: "journal_changes", Extra: "notes"}
	waitSignal(t, notes)
	assertNoSignal(t, essays)

	src.ch <- &pq.Notification{Channel: "journal_changes", Extra: "bogus"}
	assertNoSignal(t, notes)

	// 再接続（nil）は全種別に配信する
	src.ch <- nil
	waitSignal(t, notes)
	waitSignal(t, essays)

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.listened) != 1 || src.listened[0] != "journal_changes" {
		t.Errorf("listened = %v", src.listened)
	}
	if !src.closed {
		t.Error("source should be closed after Run")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcasts["notes"] != 2 || m.broadcasts["essays"] != 1 {
		t.Errorf("broadcasts = %v", m.broadcasts)
	}
}

func TestHub_RunListenError(t *testing.T) {
	src := newFakeSource()
	src.listenErr = errors.New("permission denied")
	hub := NewHub(src, "journal_changes", time.Minute, discardLogger(), nil)

	if err := hub.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
