// Package session holds the per-connection identity of a relay client and
// gates every mailbox operation on it.
//
// A Session starts Unauthenticated. open or reconnect moves it to
// Authenticated exactly once; destroy (or the connection going away) moves
// it to Closed. While open/reconnect talk to the store the session sits in
// Authenticating so a second concurrent attempt fails fast.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf16"

	"flarepeer/internal/constants"
	"flarepeer/internal/mailbox"
	"flarepeer/internal/protocol"
	"flarepeer/internal/security"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config is the relay policy shared by every session. A zero PollInterval
// disables the poll limit and a negative one selects the default. AuthTimeout
// is always enforced; values <= 0 select the default.
type Config struct {
	Secret       string
	APIKey       string
	PollInterval time.Duration
	AuthTimeout  time.Duration
}

// Recorder receives counters for relay activity.
type Recorder interface {
	PeerOpened()
	PeerReconnected()
	PeerDestroyed()
	MessageRelayed()
	MessagesDelivered(n int)
}

type Options struct {
	Config   Config
	Store    mailbox.StoreInterface
	RemoteIP string
	Audit    *security.AuditLogger
	Guard    *security.BruteForceProtector
	Recorder Recorder
	// OnTimeout is invoked once if the session is still unauthenticated
	// when Config.AuthTimeout elapses.
	OnTimeout func()
	Now       func() time.Time
}

type Session struct {
	cfg       Config
	store     mailbox.StoreInterface
	ip        string
	audit     *security.AuditLogger
	guard     *security.BruteForceProtector
	rec       Recorder
	onTimeout func()
	now       func() time.Time
	poll      *security.IntervalLimiter

	mu       sync.Mutex
	state    State
	peerID   string
	timer    *time.Timer
	timedOut bool
}

func New(opts Options) *Session {
	cfg := opts.Config
	if cfg.PollInterval < 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = constants.DefaultAuthTimeout
	}
	s := &Session{
		cfg:       cfg,
		store:     opts.Store,
		ip:        opts.RemoteIP,
		audit:     opts.Audit,
		guard:     opts.Guard,
		rec:       opts.Recorder,
		onTimeout: opts.OnTimeout,
		now:       opts.Now,
		poll:      security.NewIntervalLimiter(cfg.PollInterval),
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.onTimeout != nil {
		s.timer = time.AfterFunc(cfg.AuthTimeout, s.graceExpired)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the authenticated identity, or "" before authentication and
// after destroy.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Close marks the session dead. It is called when the connection goes away.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.stopTimerLocked()
}

func (s *Session) Open(ctx context.Context, key *string) (protocol.OpenResult, error) {
	if !s.claim() {
		return protocol.OpenResult{}, fail(KindPreconditionFailed)
	}

	if s.cfg.APIKey != "" && (key == nil || subtle.ConstantTimeCompare([]byte(*key), []byte(s.cfg.APIKey)) != 1) {
		s.mu.Lock()
		s.state = StateClosed
		s.stopTimerLocked()
		s.mu.Unlock()
		s.audit.LogAPIKeyMismatch(s.ip)
		log.Printf("⛔ Access key rejected from %s", s.ip)
		return protocol.OpenResult{}, ErrTerminate
	}

	id, err := s.store.CreatePeer(ctx, s.now())
	if err != nil {
		s.release()
		log.Printf("❌ Failed to create peer: %v", err)
		return protocol.OpenResult{}, internal(err)
	}

	if !s.authenticate(id) {
		// The connection closed while the peer was being created.
		if err := s.store.DeletePeer(context.WithoutCancel(ctx), id); err != nil {
			log.Printf("❌ Failed to drop abandoned peer %s: %v", id, err)
		}
		return protocol.OpenResult{}, fail(KindPreconditionFailed)
	}
	s.rec.PeerOpened()
	s.audit.LogPeerOpen(s.ip, id)
	log.Printf("🔑 Peer opened: %s", id)

	return protocol.OpenResult{ID: id, Token: security.IssueToken(s.cfg.Secret, id)}, nil
}

func (s *Session) Reconnect(ctx context.Context, id, token *string) error {
	if !s.claim() {
		return fail(KindPreconditionFailed)
	}
	if id == nil {
		s.release()
		return fail(KindBadRequest)
	}

	if s.guard != nil && !s.guard.Check(s.ip) {
		s.release()
		return fail(KindTooManyRequests)
	}

	if token == nil || !security.VerifyToken(s.cfg.Secret, *id, *token) {
		s.release()
		s.audit.LogAuthFailure(s.ip, *id, "Invalid or missing token")
		if s.guard != nil && s.guard.RecordFailure(s.ip) {
			s.audit.LogBruteForce(s.ip, *id, constants.MaxAuthAttempts)
		}
		return fail(KindUnauthorized)
	}

	exists, err := s.store.PeerExists(ctx, *id)
	if err != nil {
		s.release()
		log.Printf("❌ Failed to look up peer %s: %v", *id, err)
		return internal(err)
	}
	if !exists {
		s.release()
		return fail(KindNotFound)
	}

	if s.guard != nil {
		s.guard.RecordSuccess(s.ip)
	}
	if !s.authenticate(*id) {
		return fail(KindPreconditionFailed)
	}
	s.rec.PeerReconnected()
	s.audit.LogPeerReconnect(s.ip, *id)
	log.Printf("🔁 Peer reconnected: %s", *id)
	return nil
}

func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return fail(KindPreconditionFailed)
	}
	id := s.peerID
	s.peerID = ""
	s.state = StateClosed
	s.mu.Unlock()

	if err := s.store.DeletePeer(ctx, id); err != nil {
		log.Printf("❌ Failed to destroy peer %s: %v", id, err)
		return internal(err)
	}

	s.rec.PeerDestroyed()
	s.audit.LogPeerDestroy(s.ip, id)
	log.Printf("🗑 Peer destroyed: %s", id)
	return nil
}

func (s *Session) Send(ctx context.Context, dest, kind, content *string) error {
	self, ok := s.authenticatedID()
	if !ok {
		return fail(KindPreconditionFailed)
	}
	if dest == nil || kind == nil || content == nil || !protocol.ValidKind(*kind) {
		return fail(KindBadRequest)
	}
	if *dest == self {
		return fail(KindForbidden)
	}
	if contentLength(*content) > constants.MaxContentLength {
		return fail(KindContentTooLarge)
	}

	err := s.store.Enqueue(ctx, mailbox.Message{
		Source:      self,
		Destination: *dest,
		Kind:        *kind,
		Content:     *content,
		CreatedAt:   s.now(),
	})
	if errors.Is(err, mailbox.ErrSenderGone) {
		return fail(KindPreconditionFailed)
	}
	if errors.Is(err, mailbox.ErrPeerNotFound) {
		return fail(KindNotFound)
	}
	if err != nil {
		log.Printf("❌ Failed to enqueue %s from %s: %v", *kind, self, err)
		return internal(err)
	}

	s.rec.MessageRelayed()
	return nil
}

func (s *Session) Poll(ctx context.Context) ([]protocol.Delivery, error) {
	self, ok := s.authenticatedID()
	if !ok {
		return nil, fail(KindPreconditionFailed)
	}
	if !s.poll.Allow(s.now()) {
		s.audit.LogRateLimit(s.ip, self)
		return nil, fail(KindTooManyRequests)
	}

	drained, err := s.store.Drain(ctx, self)
	if err != nil {
		log.Printf("❌ Failed to drain mailbox of %s: %v", self, err)
		return nil, internal(err)
	}

	out := make([]protocol.Delivery, 0, len(drained))
	for _, d := range drained {
		out = append(out, protocol.Delivery{Type: d.Kind, Source: d.Source, Content: d.Content})
	}
	if len(out) > 0 {
		s.rec.MessagesDelivered(len(out))
	}
	return out, nil
}

func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.state = StateAuthenticating
	return true
}

// release undoes a claim after a failed authentication attempt. If the grace
// period ran out meanwhile the session is closed instead.
func (s *Session) release() {
	s.mu.Lock()
	if s.state != StateAuthenticating {
		s.mu.Unlock()
		return
	}
	expired := s.timedOut
	if expired {
		s.state = StateClosed
	} else {
		s.state = StateUnauthenticated
	}
	s.mu.Unlock()

	if expired {
		s.fireTimeout()
	}
}

// authenticate completes a claim. It reports false when the session was
// closed while the store call was in flight.
func (s *Session) authenticate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticating {
		return false
	}
	s.state = StateAuthenticated
	s.peerID = id
	s.stopTimerLocked()
	return true
}

func (s *Session) authenticatedID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.state == StateAuthenticated
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	fire := false
	switch s.state {
	case StateUnauthenticated:
		s.state = StateClosed
		fire = true
	case StateAuthenticating:
		s.timedOut = true
	}
	s.mu.Unlock()

	if fire {
		s.fireTimeout()
	}
}

func (s *Session) fireTimeout() {
	log.Printf("⏱ Closing unauthenticated connection from %s", s.ip)
	if s.onTimeout != nil {
		s.onTimeout()
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// contentLength counts UTF-16 code units, which is what browser clients
// measure.
func contentLength(content string) int {
	n := 0
	for _, r := range content {
		n += utf16.RuneLen(r)
	}
	return n
}

type nopRecorder struct{}

func (nopRecorder) PeerOpened()           {}
func (nopRecorder) PeerReconnected()      {}
func (nopRecorder) PeerDestroyed()        {}
func (nopRecorder) MessageRelayed()       {}
func (nopRecorder) MessagesDelivered(int) {}
