package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digijournal/internal/model"
)

// fakeIdP はIdentityProviderのテスト実装。
type fakeIdP struct {
	mu            sync.Mutex
	current       func(ctx context.Context) (*model.Session, error)
	listeners     []func(model.SessionEvent)
	registrations int
	unregistered  int
	ended         int
	endErr        error
	redirects     []string
}

func (f *fakeIdP) InitiateRedirect(_ context.Context, returnAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects = append(f.redirects, returnAddress)
	return nil
}

func (f *fakeIdP) CurrentSession(ctx context.Context) (*model.Session, error) {
	if f.current == nil {
		return nil, nil
	}
	return f.current(ctx)
}

func (f *fakeIdP) OnSessionChange(fn func(model.SessionEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	idx := len(f.listeners)
	f.listeners = append(f.listeners, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[idx] = nil
		f.unregistered++
	}
}

func (f *fakeIdP) EndSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return f.endErr
}

// fire は登録済みリスナーへイベントを送る。
func (f *fakeIdP) fire(ev model.SessionEvent) {
	f.mu.Lock()
	fns := append(([]func(model.SessionEvent))(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

// fakeProfiles はProfileStoreのテスト実装。gatesに登録したsubjectは解放されるまでブロックする。
type fakeProfiles struct {
	mu      sync.Mutex
	calls   []string
	err     error
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{gates: map[string]chan struct{}{}, entered: make(chan string, 16)}
}

func (f *fakeProfiles) gate(subject string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[subject] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeProfiles) EnsureProfile(ctx context.Context, subject, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, subject)
	gate := f.gates[subject]
	err := f.err
	f.mu.Unlock()

	f.entered <- subject
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeProfiles) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recorder は観測者が受け取ったスナップショットを記録する。
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func sess(subject string) *model.Session {
	return &model.Session{Subject: subject, Email: subject + "@example.com", AccessToken: "at-" + subject}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(idp *fakeIdP, profiles *fakeProfiles) *Manager {
	return NewManager(idp, profiles, "http://127.0.0.1:8765/auth/callback", nil)
}

func TestManager_StartsUnknown(t *testing.T) {
	m := newTestManager(&fakeIdP{}, newFakeProfiles())
	if got := m.Current().State; got != StateUnknown {
		t.Errorf("initial state = %v, want unknown", got)
	}
}

func TestManager_Startup_NoSession(t *testing.T) {
	idp := &fakeIdP{}
	m := newTestManager(idp, newFakeProfiles())
	rec := &recorder{}
	m.ObserveChanges(rec.observe)

	m.Startup(context.Background())
	defer m.Close()

	if got := m.Current().State; got != StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated", got)
	}
	if snaps := rec.all(); len(snaps) != 1 || snaps[0].State != StateUnauthenticated {
		t.Errorf("observed = %+v", snaps)
	}
}

func TestManager_Startup_EnsuresProfileBeforeAuthenticated(t *testing.T) {
	profiles := newFakeProfiles()
	idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
	m := newTestManager(idp, profiles)

	var ensuredAtPublish int
	m.ObserveChanges(func(s Snapshot) {
		if s.State == StateAuthenticated {
			ensuredAtPublish = profiles.callCount()
		}
	})

	m.Startup(context.Background())
	defer m.Close()

	snap := m.Current()
	if snap.State != StateAuthenticated || snap.Session.Subject != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if ensuredAtPublish != 1 {
		t.Errorf("profile ensure calls at publish = %d, want 1", ensuredAtPublish)
	}
}

func TestManager_FailsClosed(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		idp := &fakeIdP{current: func(context.Context) (*model.Session, error) {
			return nil, errors.New("provider unavailable")
		}}
		m := newTestManager(idp, newFakeProfiles())
		m.Startup(context.Background())
		defer m.Close()

		if got := m.Current().State; got != StateUnauthenticated {
			t.Errorf("state = %v, want unauthenticated", got)
		}
	})

	t.Run("profile ensure error", func(t *testing.T) {
		profiles := newFakeProfiles()
		profiles.err = errors.New("store unavailable")
		idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
		m := newTestManager(idp, profiles)
		m.Startup(context.Background())
		defer m.Close()

		if got := m.Current().State; got != StateUnauthenticated {
			t.Errorf("state = %v, want unauthenticated", got)
		}
	})
}

func TestManager_RegistersWithProviderOnce(t *testing.T) {
	idp := &fakeIdP{}
	m := newTestManager(idp, newFakeProfiles())
	m.Startup(context.Background())
	m.Startup(context.Background())

	if idp.registrations != 1 {
		t.Errorf("registrations = %d, want 1", idp.registrations)
	}
	m.Close()
	if idp.unregistered != 1 {
		t.Errorf("unregistered = %d, want 1", idp.unregistered)
	}
}

func TestManager_ListenerEvents(t *testing.T) {
	idp := &fakeIdP{}
	profiles := newFakeProfiles()
	m := newTestManager(idp, profiles)
	m.Startup(context.Background())
	defer m.Close()

	idp.fire(model.SessionEvent{Type: model.SessionIssued, Session: sess("a")})
	waitFor(t, "authenticated", func() bool { return m.Current().State == StateAuthenticated })

	idp.fire(model.SessionEvent{Type: model.SessionRevoked})
	if got := m.Current().State; got != StateUnauthenticated {
		t.Errorf("state after revoke = %v, want unauthenticated", got)
	}
}

// 起動時の確認結果がプロフィール作成中に、後から届いた失効通知が優先される。
func TestManager_LaterRevocationSupersedesSlowStartup(t *testing.T) {
	profiles := newFakeProfiles()
	release := profiles.gate("a")
	idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
	m := newTestManager(idp, profiles)
	defer m.Close()

	done := make(chan struct{})
	go func() {
		m.Startup(context.Background())
		close(done)
	}()

	<-profiles.entered
	idp.fire(model.SessionEvent{Type: model.SessionRevoked})
	close(release)
	<-done

	if got := m.Current().State; got != StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated (stale startup result must be discarded)", got)
	}
}

// 完了順ではなく到着順で比較する。
func TestManager_LastArrivalWinsRegardlessOfCompletionOrder(t *testing.T) {
	profiles := newFakeProfiles()
	releaseA := profiles.gate("a")
	idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
	m := newTestManager(idp, profiles)
	defer m.Close()

	done := make(chan struct{})
	go func() {
		m.Startup(context.Background())
		close(done)
	}()

	<-profiles.entered
	idp.fire(model.SessionEvent{Type: model.SessionIssued, Session: sess("b")})
	waitFor(t, "session b", func() bool {
		s := m.Current()
		return s.State == StateAuthenticated && s.Session.Subject == "b"
	})

	close(releaseA)
	<-done

	if s := m.Current(); s.Session == nil || s.Session.Subject != "b" {
		t.Errorf("session = %+v, want b", s.Session)
	}
}

func TestManager_RequestSignOut(t *testing.T) {
	idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
	m := newTestManager(idp, newFakeProfiles())
	m.Startup(context.Background())
	defer m.Close()

	idp.endErr = errors.New("network down")
	m.RequestSignOut(context.Background())

	if got := m.Current().State; got != StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated even when revocation fails", got)
	}
	if idp.ended != 1 {
		t.Errorf("EndSession calls = %d, want 1", idp.ended)
	}

	m.RequestSignOut(context.Background())
	if idp.ended != 1 {
		t.Errorf("sign-out while unauthenticated should be a no-op, EndSession calls = %d", idp.ended)
	}
}

// サインアウト中に届いた古いプロフィール作成結果で再認証されない。
func TestManager_SignOutSupersedesPendingEnsure(t *testing.T) {
	profiles := newFakeProfiles()
	idp := &fakeIdP{current: func(context.Context) (*model.Session, error) { return sess("a"), nil }}
	m := newTestManager(idp, profiles)
	m.Startup(context.Background())
	defer m.Close()
	<-profiles.entered

	release := profiles.gate("a")
	idp.fire(model.SessionEvent{Type: model.SessionRenewed, Session: sess("a")})
	<-profiles.entered

	m.RequestSignOut(context.Background())
	close(release)

	time.Sleep(20 * time.Millisecond)
	if got := m.Current().State; got != StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated", got)
	}
}

func TestManager_RequestSignIn(t *testing.T) {
	idp := &fakeIdP{}
	m := newTestManager(idp, newFakeProfiles())

	if err := m.RequestSignIn(context.Background()); err != nil {
		t.Fatalf("RequestSignIn() error: %v", err)
	}
	if len(idp.redirects) != 1 || idp.redirects[0] != "http://127.0.0.1:8765/auth/callback" {
		t.Errorf("redirects = %v", idp.redirects)
	}
}

func TestManager_ObserveChanges_Cancel(t *testing.T) {
	idp := &fakeIdP{}
	m := newTestManager(idp, newFakeProfiles())
	rec := &recorder{}
	cancel := m.ObserveChanges(rec.observe)
	cancel()
	cancel()

	m.Startup(context.Background())
	defer m.Close()
	if len(rec.all()) != 0 {
		t.Errorf("cancelled observer received %+v", rec.all())
	}
}
