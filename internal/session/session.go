// Package session keeps a live storage handle signed with valid credentials.
//
// A Manager in short-lived mode checks the installed credentials before every
// operation and, when they are expired or about to expire, fetches new ones,
// dials a new handle and swaps it in under a write lock. Operations run under
// the read lock, so a swap waits for in-flight operations to finish and no
// operation ever observes a half-installed handle. A Manager in long-lived
// mode dials once and never refreshes or locks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/bleepstore/snapstore/internal/credentials"
	snaperr "github.com/bleepstore/snapstore/internal/errors"
	"github.com/bleepstore/snapstore/internal/metrics"
	"github.com/bleepstore/snapstore/internal/storage"
)

const (
	// DefaultGuardWindow is how long before expiry credentials count as
	// expiring soon.
	DefaultGuardWindow = 5 * time.Second
	// DefaultMaxAttempts bounds the number of refresh attempts per refresh.
	DefaultMaxAttempts = 3
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("session manager is closed")

// State classifies installed credentials.
type State int

const (
	StateValid State = iota
	StateExpiringSoon
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpiringSoon:
		return "expiring_soon"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Classify derives the state of credentials expiring at expiry. A zero
// expiry is expired.
func Classify(expiry, now time.Time, guard time.Duration) State {
	if expiry.IsZero() || !expiry.After(now) {
		return StateExpired
	}
	if expiry.Sub(now) < guard {
		return StateExpiringSoon
	}
	return StateValid
}

// Session pairs a storage handle with the expiry of the credentials it was
// dialed with. Sessions are immutable; a refresh installs a new one.
type Session struct {
	backend storage.Backend
	expiry  time.Time
}

func (s *Session) Backend() storage.Backend { return s.backend }
func (s *Session) Expiry() time.Time        { return s.expiry }

// Dialer builds a storage handle from credentials.
type Dialer func(ctx context.Context, creds credentials.Credentials) (storage.Backend, error)

// Options configures a Manager.
type Options struct {
	Provider credentials.Provider
	Dialer   Dialer
	// ShortLived enables expiry tracking and refresh.
	ShortLived bool
	// GuardWindow defaults to DefaultGuardWindow. The pause between refresh
	// attempts is twice the guard window.
	GuardWindow time.Duration
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	Logger      *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Manager owns the current Session.
type Manager struct {
	mu      sync.RWMutex
	current *Session
	closed  atomic.Bool

	shortLived bool
	provider   credentials.Provider
	dial       Dialer
	guard      time.Duration
	attempts   int
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group

	// done is cancelled by Close and stops a refresh left running after
	// every waiting caller gave up.
	done   context.Context
	cancel context.CancelFunc
}

// New builds a Manager and installs its first session. In short-lived mode
// the full refresh protocol runs, so a failing credential source surfaces
// here as ErrCredentialRefreshFailed.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("session: credential provider is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}

	m := &Manager{
		shortLived: opts.ShortLived,
		provider:   opts.Provider,
		dial:       opts.Dialer,
		guard:      opts.GuardWindow,
		attempts:   opts.MaxAttempts,
		logger:     opts.Logger,
		now:        opts.Clock,
	}
	m.done, m.cancel = context.WithCancel(context.Background())
	if m.guard <= 0 {
		m.guard = DefaultGuardWindow
	}
	if m.attempts <= 0 {
		m.attempts = DefaultMaxAttempts
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}

	if m.shortLived {
		if err := m.Refresh(ctx); err != nil {
			m.Close()
			return nil, err
		}
		return m, nil
	}

	creds, err := m.provider.Retrieve(ctx)
	if err != nil {
		m.cancel()
		return nil, fmt.Errorf("retrieving credentials: %w", err)
	}
	backend, err := m.dial(ctx, creds)
	if err != nil {
		m.cancel()
		return nil, fmt.Errorf("dialing storage: %w", err)
	}
	m.current = &Session{backend: backend}
	m.logger.Info("storage session established", "short_lived", false)
	return m, nil
}

// ShortLived reports whether the manager refreshes credentials.
func (m *Manager) ShortLived() bool { return m.shortLived }

// GuardWindow returns the configured guard window.
func (m *Manager) GuardWindow() time.Duration { return m.guard }

// State classifies the installed session. A long-lived session is always
// valid.
func (m *Manager) State() State {
	if !m.shortLived {
		return StateValid
	}
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil {
		return StateExpired
	}
	return Classify(s.expiry, m.now(), m.guard)
}

// Expiry returns the expiry of the installed session, or the zero time.
func (m *Manager) Expiry() time.Time {
	if !m.shortLived {
		return time.Time{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return time.Time{}
	}
	return m.current.expiry
}

// Do runs op with a handle signed by valid credentials. Errors returned by
// op are passed through unchanged.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context, b storage.Backend) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.shortLived {
		return op(ctx, m.current.backend)
	}

	if m.State() != StateValid {
		if err := m.refresh(ctx, false); err != nil {
			return err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ErrClosed
	}
	return op(ctx, m.current.backend)
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, m *Manager, op func(ctx context.Context, b storage.Backend) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, func(ctx context.Context, b storage.Backend) error {
		v, err := op(ctx, b)
		out = v
		return err
	})
	return out, err
}

// Refresh installs a new session regardless of the current state. In
// long-lived mode it is a no-op.
func (m *Manager) Refresh(ctx context.Context) error {
	if !m.shortLived {
		return nil
	}
	if m.closed.Load() {
		return ErrClosed
	}
	return m.refresh(ctx, true)
}

// refresh coalesces concurrent callers onto one in-flight refresh. The
// shared refresh does not inherit the cancellation of whichever caller
// started it; it runs until it succeeds, exhausts its attempts or the
// manager is closed. Each caller still returns early if its own context
// ends.
func (m *Manager) refresh(ctx context.Context, force bool) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(m.done, cancel)
		defer stop()
		return nil, m.refreshWithRetry(rctx, force)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: gave up waiting for credential refresh: %w", snaperr.ErrCredentialRefreshFailed, ctx.Err())
	}
}

func (m *Manager) refreshWithRetry(ctx context.Context, force bool) error {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(m.attempts-1), retry.NewConstant(2*m.guard))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if (!force || attempt > 1) && m.State() == StateValid {
			metrics.CredentialRefreshTotal.WithLabelValues("skipped").Inc()
			return nil
		}

		err := m.refreshOnce(ctx)
		if err == nil {
			metrics.CredentialRefreshTotal.WithLabelValues("success").Inc()
			return nil
		}
		metrics.CredentialRefreshTotal.WithLabelValues("error").Inc()
		m.logger.Warn("credential refresh attempt failed",
			"attempt", attempt, "max_attempts", m.attempts, "error", err)

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		m.logger.Error("credential refresh failed", "attempts", attempt, "error", err)
		return &snaperr.RefreshError{Attempts: attempt, Err: err}
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

// refreshOnce fetches credentials, dials a handle and installs it. Network
// I/O happens before the write lock is taken.
func (m *Manager) refreshOnce(ctx context.Context) error {
	creds, err := m.provider.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieving credentials: %w", err)
	}
	if !creds.Expires() {
		return &permanentError{err: fmt.Errorf("short-lived credentials carry no expiration")}
	}
	if st := Classify(creds.Expiration, m.now(), m.guard); st != StateValid {
		return fmt.Errorf("fetched credentials are already %s (expire %s)", st, creds.Expiration.Format(time.RFC3339))
	}

	backend, err := m.dial(ctx, creds)
	if err != nil {
		return fmt.Errorf("dialing storage: %w", err)
	}

	m.install(&Session{backend: backend, expiry: creds.Expiration})
	return nil
}

// install swaps in s and closes the handle it replaced. The write lock waits
// for in-flight operations, so the old handle is idle when closed.
func (m *Manager) install(s *Session) {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		if err := s.backend.Close(); err != nil {
			m.logger.Warn("closing storage handle dialed after close", "error", err)
		}
		return
	}
	old := m.current
	m.current = s
	m.mu.Unlock()

	metrics.CredentialExpiry.Set(float64(s.expiry.Unix()))
	m.logger.Info("storage session refreshed", "expires", s.expiry.Format(time.RFC3339))

	if old != nil {
		if err := old.backend.Close(); err != nil {
			m.logger.Warn("closing replaced storage handle", "error", err)
		}
	}
}

// Close closes the installed handle. Further operations fail with ErrClosed.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.backend.Close()
	if m.shortLived {
		m.current = nil
	}
	return err
}
