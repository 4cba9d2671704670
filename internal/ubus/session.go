package ubus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"bandix-monitor/internal/observability/metrics"
)

// Credentials authenticate against the router.
type Credentials struct {
	Username string
	Password string
}

// CredentialsSource supplies the credentials to use for the next login.
// It is consulted on every WithValidSession call.
type CredentialsSource interface {
	Credentials() Credentials
}

// StaticCredentials is a CredentialsSource that never changes.
type StaticCredentials Credentials

func (c StaticCredentials) Credentials() Credentials { return Credentials(c) }

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// Session is an authenticated router session. The token never leaves this
// package; a renewed session is a new value.
type Session struct {
	token      string
	obtainedAt time.Time
	valid      atomic.Bool
}

func newSession(token string, at time.Time) *Session {
	s := &Session{token: token, obtainedAt: at}
	s.valid.Store(true)
	return s
}

func (s *Session) ObtainedAt() time.Time { return s.obtainedAt }

// Valid reports whether the session has not been invalidated.
func (s *Session) Valid() bool { return s != nil && s.valid.Load() }

// Caller issues ubus calls bound to a session.
type Caller interface {
	Call(ctx context.Context, object, method string, args, out any) error
	Batch(ctx context.Context, calls []Call, outs []any) error
}

type sessionCaller struct {
	transport *Transport
	session   *Session
}

func (c sessionCaller) Call(ctx context.Context, object, method string, args, out any) error {
	return c.transport.Do(ctx, c.session.token, Call{Object: object, Method: method, Args: args}, out)
}

func (c sessionCaller) Batch(ctx context.Context, calls []Call, outs []any) error {
	return c.transport.DoBatch(ctx, c.session.token, calls, outs)
}

// RemoteSession owns the cached router session. Callers reach the router only
// through WithValidSession.
type RemoteSession struct {
	transport    *Transport
	creds        CredentialsSource
	clock        Clock
	logger       logrus.FieldLogger
	loginTimeout time.Duration

	mu         sync.Mutex
	current    *Session
	currentFor Credentials
	generation uint64
	logins     singleflight.Group
}

// SessionOption configures RemoteSession.
type SessionOption func(*RemoteSession)

func WithClock(clock Clock) SessionOption {
	return func(r *RemoteSession) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithLogger(logger logrus.FieldLogger) SessionOption {
	return func(r *RemoteSession) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLoginTimeout bounds a shared login independently of the caller that
// started it.
func WithLoginTimeout(timeout time.Duration) SessionOption {
	return func(r *RemoteSession) {
		if timeout > 0 {
			r.loginTimeout = timeout
		}
	}
}

// NewRemoteSession constructs a session manager.
func NewRemoteSession(transport *Transport, creds CredentialsSource, opts ...SessionOption) (*RemoteSession, error) {
	if transport == nil {
		return nil, errors.New("ubus: nil transport")
	}
	if creds == nil {
		return nil, errors.New("ubus: nil credentials source")
	}
	r := &RemoteSession{
		transport:    transport,
		creds:        creds,
		clock:        systemClock{},
		logger:       logrus.StandardLogger(),
		loginTimeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Login performs the session.login handshake. It never changes the cached
// session.
func (r *RemoteSession) Login(ctx context.Context, creds Credentials) (*Session, error) {
	start := r.clock.Now()
	sess, err := r.login(ctx, creds)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveRemoteLogin(result, r.clock.Now().Sub(start))
	return sess, err
}

func (r *RemoteSession) login(ctx context.Context, creds Credentials) (*Session, error) {
	if strings.TrimSpace(creds.Username) == "" {
		return nil, &AuthError{Username: creds.Username, Reason: "empty username"}
	}
	var out struct {
		Token string `json:"ubus_rpc_session"`
	}
	args := map[string]string{"username": creds.Username, "password": creds.Password}
	err := r.transport.Do(ctx, AnonymousSession, Call{Object: "session", Method: "login", Args: args}, &out)
	if err != nil {
		return nil, &AuthError{Username: creds.Username, Reason: loginFailureReason(err), Err: err}
	}
	if out.Token == "" {
		return nil, &AuthError{Username: creds.Username, Reason: "malformed response", Err: ErrMalformedResponse}
	}
	return newSession(out.Token, r.clock.Now()), nil
}

func loginFailureReason(err error) string {
	var callErr *CallError
	switch {
	case errors.As(err, &callErr) && callErr.Status == StatusPermissionDenied:
		return "invalid credentials"
	case errors.As(err, &callErr):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unreachable"
	}
}

// WithValidSession runs action with a session-bound caller. When the router
// rejects the session, one re-login is made and action is retried once; a
// rejection of the fresh session is returned as an *AuthError.
func (r *RemoteSession) WithValidSession(ctx context.Context, action func(context.Context, Caller) error) error {
	if r == nil {
		return errors.New("ubus: nil session")
	}
	sess, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	err = action(ctx, sessionCaller{transport: r.transport, session: sess})
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}

	metrics.IncSessionExpired()
	r.logger.WithFields(logrus.Fields{
		"obtained_at": sess.ObtainedAt(),
		"err":         err,
	}).Info("remote session expired, logging in again")

	sess, err = r.renew(ctx, sess)
	if err != nil {
		return err
	}
	err = action(ctx, sessionCaller{transport: r.transport, session: sess})
	if errors.Is(err, ErrSessionExpired) {
		r.invalidate(sess)
		return &AuthError{Username: r.creds.Credentials().Username, Reason: "session rejected after re-login", Err: err}
	}
	return err
}

// Current reports the cached session, if any.
func (r *RemoteSession) Current() *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Close drops the cached session.
func (r *RemoteSession) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *RemoteSession) acquire(ctx context.Context) (*Session, error) {
	creds := r.creds.Credentials()
	r.mu.Lock()
	if r.current != nil && r.currentFor != creds {
		r.logger.WithField("username", creds.Username).Info("remote credentials changed, dropping session")
		r.clearLocked()
	}
	cur := r.current
	r.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	return r.sharedLogin(ctx, creds)
}

// renew replaces stale. If another caller already replaced it, the newer
// session is reused.
func (r *RemoteSession) renew(ctx context.Context, stale *Session) (*Session, error) {
	r.invalidate(stale)
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil {
		return cur, nil
	}
	return r.sharedLogin(ctx, r.creds.Credentials())
}

func (r *RemoteSession) invalidate(sess *Session) {
	sess.valid.Store(false)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == sess {
		r.current = nil
	}
}

func (r *RemoteSession) clearLocked() {
	if r.current != nil {
		r.current.valid.Store(false)
	}
	r.current = nil
	r.currentFor = Credentials{}
	r.generation++
}

// sharedLogin collapses concurrent logins into one handshake. The handshake
// outlives a cancelled caller so that waiting callers still get its result.
func (r *RemoteSession) sharedLogin(ctx context.Context, creds Credentials) (*Session, error) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	// Keyed by credentials so a login for replaced credentials is never shared.
	ch := r.logins.DoChan(creds.Username+"\x00"+creds.Password, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loginTimeout)
		defer cancel()
		sess, err := r.Login(lctx, creds)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"username": creds.Username,
				"err":      err,
			}).Warn("remote login failed")
			return nil, err
		}
		r.mu.Lock()
		if r.generation == gen {
			r.current = sess
			r.currentFor = creds
		}
		r.mu.Unlock()
		return sess, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sess, ok := res.Val.(*Session)
		if !ok {
			return nil, fmt.Errorf("ubus: unexpected login result %T", res.Val)
		}
		return sess, nil
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
