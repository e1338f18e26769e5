// Package session はクライアントの認証状態（unknown / unauthenticated / authenticated）を管理する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/digijournal/internal/model"
)

// State は認証状態。
type State int

const (
	// StateUnknown は起動直後、セッション確認が終わるまでの状態。
	StateUnknown State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot は観測者に渡す認証状態。StateAuthenticatedの場合のみSessionを持つ。
type Snapshot struct {
	State   State
	Session *model.Session
}

// IdentityProvider はManagerが必要とするIdPの操作。
type IdentityProvider interface {
	InitiateRedirect(ctx context.Context, returnAddress string) error
	CurrentSession(ctx context.Context) (*model.Session, error)
	OnSessionChange(fn func(model.SessionEvent)) (unsubscribe func())
	EndSession(ctx context.Context) error
}

// ProfileStore はプロフィールの作成（存在すれば何もしない）を行う。
type ProfileStore interface {
	EnsureProfile(ctx context.Context, subject, email string) error
}

// Manager は認証状態の唯一の所有者。
// 起動時のセッション確認とIdPの変更通知は、到着順に採番したシーケンスで比較し、
// 後から到着した結果だけを反映する（プロフィール作成の完了順には依存しない）。
// IdP・プロフィール作成のエラーはすべてunauthenticatedとして扱い、呼び出し側へは返さない。
type Manager struct {
	idp           IdentityProvider
	profiles      ProfileStore
	returnAddress string
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	session   *model.Session
	arrivals  uint64 // 到着済みの結果に付けた最大の番号
	applied   uint64 // 反映済みの結果の番号
	observers map[int]func(Snapshot)
	nextObs   int
	ctx       context.Context
	cancel    context.CancelFunc
	unlisten  func()
	started   bool

	wg sync.WaitGroup
}

// NewManager はManagerを生成する。returnAddressはサインイン後に戻るアドレス。
func NewManager(idp IdentityProvider, profiles ProfileStore, returnAddress string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		idp:           idp,
		profiles:      profiles,
		returnAddress: returnAddress,
		logger:        logger.With(slog.String("component", "session")),
		observers:     make(map[int]func(Snapshot)),
	}
}

// Startup はIdPへの変更リスナーを1度だけ登録し、既存セッションを確認する。
// 確認結果が反映されるまで（またはより新しい結果が反映されるまで）ブロックする。
// 2回目以降の呼び出しは何もしない。
func (m *Manager) Startup(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	unlisten := m.idp.OnSessionChange(m.handleEvent)
	m.mu.Lock()
	m.unlisten = unlisten
	m.mu.Unlock()

	session, err := m.idp.CurrentSession(ctx)
	seq := m.arrive()
	if err != nil {
		m.logger.Warn("startup session check failed", slog.String("error", err.Error()))
		m.apply(seq, nil)
		return
	}
	m.resolve(ctx, seq, session)
}

// handleEvent はIdPの変更通知を受け取る。到着時に番号を付け、プロフィール作成は別goroutineで行う。
func (m *Manager) handleEvent(ev model.SessionEvent) {
	seq := m.arrive()

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	m.logger.Debug("session event", slog.String("type", string(ev.Type)), slog.Uint64("seq", seq))

	if ev.Session == nil {
		m.apply(seq, nil)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resolve(ctx, seq, ev.Session)
	}()
}

// resolve はセッションがあればプロフィールを作成してからauthenticatedを反映する。
func (m *Manager) resolve(ctx context.Context, seq uint64, session *model.Session) {
	if session == nil {
		m.apply(seq, nil)
		return
	}
	if err := m.profiles.EnsureProfile(ctx, session.Subject, session.Email); err != nil {
		m.logger.Warn("profile ensure failed; treating as signed out",
			slog.String("subject", session.Subject),
			slog.String("error", err.Error()),
		)
		m.apply(seq, nil)
		return
	}
	m.apply(seq, session)
}

func (m *Manager) arrive() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrivals++
	return m.arrivals
}

// apply はseqが反映済みの番号より新しい場合だけ状態を更新し、変化があれば観測者へ通知する。
func (m *Manager) apply(seq uint64, session *model.Session) {
	m.mu.Lock()
	if seq <= m.applied {
		m.mu.Unlock()
		m.logger.Debug("discarding stale session result", slog.Uint64("seq", seq))
		return
	}
	m.applied = seq

	next := StateUnauthenticated
	if session != nil {
		next = StateAuthenticated
	}
	if next == m.state && sameSession(m.session, session) {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.session = copySession(session)
	snap := m.snapshotLocked()
	fns := m.observersLocked()
	m.mu.Unlock()

	m.logger.Info("session state changed", slog.String("state", snap.State.String()))
	for _, fn := range fns {
		fn(snap)
	}
}

// Current は現在の認証状態を返す。
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ObserveChanges は状態変化の観測者を登録し、解除関数を返す。
// 観測者は状態を反映したgoroutineから呼ばれる。
func (m *Manager) ObserveChanges(fn func(Snapshot)) func() {
	m.mu.Lock()
	key := m.nextObs
	m.nextObs++
	m.observers[key] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, key)
			m.mu.Unlock()
		})
	}
}

// RequestSignIn はIdPのサインイン画面へ遷移する。結果は変更通知で届く。
func (m *Manager) RequestSignIn(ctx context.Context) error {
	if err := m.idp.InitiateRedirect(ctx, m.returnAddress); err != nil {
		m.logger.Warn("sign-in redirect failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to start sign-in: %w", err)
	}
	return nil
}

// RequestSignOut は直ちにunauthenticatedへ遷移してから、IdPでセッションを失効させる。
// 未認証の場合は何もしない。
func (m *Manager) RequestSignOut(ctx context.Context) {
	m.mu.Lock()
	wasAuthenticated := m.state == StateAuthenticated
	m.mu.Unlock()
	if !wasAuthenticated {
		return
	}

	m.apply(m.arrive(), nil)

	if err := m.idp.EndSession(ctx); err != nil {
		m.logger.Warn("sign-out revocation failed", slog.String("error", err.Error()))
	}
}

// Close はIdPのリスナー登録を解除し、実行中のプロフィール作成の終了を待つ。
func (m *Manager) Close() {
	m.mu.Lock()
	unlisten := m.unlisten
	m.unlisten = nil
	cancel := m.cancel
	m.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{State: m.state, Session: copySession(m.session)}
}

func (m *Manager) observersLocked() []func(Snapshot) {
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	return fns
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func sameSession(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
