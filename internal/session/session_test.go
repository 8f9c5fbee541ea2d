package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flarepeer/internal/constants"
	"flarepeer/internal/mailbox"
	"flarepeer/internal/security"
)

const testSecret = "test-secret"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession(t *testing.T, store mailbox.StoreInterface, mutate ...func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Config:   Config{Secret: testSecret, PollInterval: constants.DefaultPollInterval},
		Store:    store,
		RemoteIP: "192.0.2.1",
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func str(s string) *string { return &s }

func wantKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got success", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("error kind = %v (%v), want %v", got, err, want)
	}
}

func openPeer(t *testing.T, store mailbox.StoreInterface) (*Session, string, string) {
	t.Helper()
	s := newTestSession(t, store)
	res, err := s.Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, res.ID, res.Token
}

func TestOpenTwiceFails(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, mailbox.NewMemoryStore())
	ctx := context.Background()

	first, err := s.Open(ctx, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if first.Token != security.IssueToken(testSecret, first.ID) {
		t.Fatalf("token does not match IssueToken")
	}

	_, err = s.Open(ctx, nil)
	wantKind(t, err, KindPreconditionFailed)
	if s.PeerID() != first.ID || s.State() != StateAuthenticated {
		t.Fatalf("second open changed identity: %q %v", s.PeerID(), s.State())
	}
}

func TestConcurrentOpenOnlyOneWins(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, mailbox.NewMemoryStore())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Open(context.Background(), nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if KindOf(err) != KindPreconditionFailed {
				t.Errorf("loser got %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("%d concurrent opens succeeded, want 1", successes)
	}
}

type countingStore struct {
	*mailbox.MemoryStore
	mu      sync.Mutex
	created int
}

func (c *countingStore) CreatePeer(ctx context.Context, now time.Time) (string, error) {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return c.MemoryStore.CreatePeer(ctx, now)
}

func TestOpenAccessKey(t *testing.T) {
	t.Parallel()

	withKey := func(o *Options) { o.Config.APIKey = "let-me-in" }

	testCases := []struct {
		name      string
		key       *string
		terminate bool
	}{
		{name: "matching key", key: str("let-me-in")},
		{name: "wrong key", key: str("guess"), terminate: true},
		{name: "missing key", key: nil, terminate: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &countingStore{MemoryStore: mailbox.NewMemoryStore()}
			s := newTestSession(t, store, withKey)

			_, err := s.Open(context.Background(), tc.key)
			if !tc.terminate {
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrTerminate) {
				t.Fatalf("Open error = %v, want ErrTerminate", err)
			}
			if s.State() != StateClosed {
				t.Fatalf("state = %v, want closed", s.State())
			}
			if store.created != 0 {
				t.Fatalf("rejected open must not create a peer")
			}
		})
	}
}

func TestReconnect(t *testing.T) {
	t.Parallel()

	store := mailbox.NewMemoryStore()
	_, id, token := openPeer(t, store)
	ghost := "00000000-0000-0000-0000-000000000000"

	testCases := []struct {
		name  string
		id    *string
		token *string
		want  Kind
	}{
		{name: "missing id", id: nil, token: str(token), want: KindBadRequest},
		{name: "missing token", id: str(id), token: nil, want: KindUnauthorized},
		{name: "token for other peer", id: str(id), token: str(security.IssueToken(testSecret, ghost)), want: KindUnauthorized},
		{name: "malformed token", id: str(id), token: str("%%%"), want: KindUnauthorized},
		{name: "valid token unknown peer", id: str(ghost), token: str(security.IssueToken(testSecret, ghost)), want: KindNotFound},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestSession(t, store)
			wantKind(t, s.Reconnect(context.Background(), tc.id, tc.token), tc.want)
			if s.State() != StateUnauthenticated {
				t.Fatalf("failed reconnect left state %v", s.State())
			}
		})
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		s := newTestSession(t, store)
		if err := s.Reconnect(context.Background(), str(id), str(token)); err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
		if s.PeerID() != id {
			t.Fatalf("PeerID = %q, want %q", s.PeerID(), id)
		}
		wantKind(t, s.Reconnect(context.Background(), str(id), str(token)), KindPreconditionFailed)
		_, err := s.Open(context.Background(), nil)
		wantKind(t, err, KindPreconditionFailed)
	})
}

func TestReconnectBruteForceGuard(t *testing.T) {
	t.Parallel()

	store := mailbox.NewMemoryStore()
	_, id, token := openPeer(t, store)
	guard := security.NewBruteForceProtector(2, time.Minute)
	defer guard.Close()

	for i := 0; i < 2; i++ {
		s := newTestSession(t, store, func(o *Options) { o.Guard = guard })
		wantKind(t, s.Reconnect(context.Background(), str(id), str("AAAA")), KindUnauthorized)
	}

	s := newTestSession(t, store, func(o *Options) { o.Guard = guard })
	wantKind(t, s.Reconnect(context.Background(), str(id), str(token)), KindTooManyRequests)
}

func TestSend(t *testing.T) {
	t.Parallel()

	store := mailbox.NewMemoryStore()
	a, aID, _ := openPeer(t, store)
	_, bID, _ := openPeer(t, store)
	ctx := context.Background()

	t.Run("unauthenticated", func(t *testing.T) {
		s := newTestSession(t, store)
		wantKind(t, s.Send(ctx, str(bID), str("offer"), str("x")), KindPreconditionFailed)
	})

	testCases := []struct {
		name    string
		dest    *string
		kind    *string
		content *string
		want    Kind
	}{
		{name: "missing destination", dest: nil, kind: str("offer"), content: str("x"), want: KindBadRequest},
		{name: "unknown kind", dest: str(bID), kind: str("bye"), content: str("x"), want: KindBadRequest},
		{name: "missing kind", dest: str(bID), kind: nil, content: str("x"), want: KindBadRequest},
		{name: "missing content", dest: str(bID), kind: str("answer"), content: nil, want: KindBadRequest},
		{name: "self", dest: str(aID), kind: str("offer"), content: str("x"), want: KindForbidden},
		{name: "never opened", dest: str("nobody"), kind: str("offer"), content: str("x"), want: KindNotFound},
		{name: "too large", dest: str(bID), kind: str("offer"), content: str(strings.Repeat("a", 32768)), want: KindContentTooLarge},
		{name: "too large in utf16 units", dest: str(bID), kind: str("offer"), content: str(strings.Repeat("a", 32766) + "😀"), want: KindContentTooLarge},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wantKind(t, a.Send(ctx, tc.dest, tc.kind, tc.content), tc.want)
		})
	}

	t.Run("limit accepted", func(t *testing.T) {
		if err := a.Send(ctx, str(bID), str("ice-candidate"), str(strings.Repeat("a", 32767))); err != nil {
			t.Fatalf("content of exactly the limit must be accepted: %v", err)
		}
	})
}

func TestPollDrainsAndRateLimits(t *testing.T) {
	t.Parallel()

	store := mailbox.NewMemoryStore()
	clock := newFakeClock()
	a, aID, _ := openPeer(t, store)
	b := newTestSession(t, store, func(o *Options) { o.Now = clock.Now })
	res, err := b.Open(context.Background(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()

	for _, kind := range []string{"offer", "ice-candidate"} {
		if err := a.Send(ctx, str(res.ID), str(kind), str(kind+"-data")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	got, err := b.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Poll returned %d messages, want 2", len(got))
	}
	for _, d := range got {
		if d.Source != aID || d.Content != d.Type+"-data" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	}

	clock.Advance(constants.DefaultPollInterval - time.Millisecond)
	got, err = b.Poll(ctx)
	wantKind(t, err, KindTooManyRequests)
	if got != nil {
		t.Fatalf("rejected poll returned messages: %v", got)
	}

	clock.Advance(time.Millisecond)
	got, err = b.Poll(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("Poll after window = %v, %v; want empty", got, err)
	}

	s := newTestSession(t, store)
	_, err = s.Poll(ctx)
	wantKind(t, err, KindPreconditionFailed)
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	store := mailbox.NewMemoryStore()
	a, aID, aToken := openPeer(t, store)
	b, _, _ := openPeer(t, store)
	ctx := context.Background()

	if err := b.Send(ctx, str(aID), str("offer"), str("pending")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if a.State() != StateClosed || a.PeerID() != "" {
		t.Fatalf("destroy should clear identity: %v %q", a.State(), a.PeerID())
	}

	wantKind(t, a.Destroy(ctx), KindPreconditionFailed)
	_, err := a.Poll(ctx)
	wantKind(t, err, KindPreconditionFailed)
	_, err = a.Open(ctx, nil)
	wantKind(t, err, KindPreconditionFailed)

	wantKind(t, b.Send(ctx, str(aID), str("offer"), str("late")), KindNotFound)

	c := newTestSession(t, store)
	wantKind(t, c.Reconnect(ctx, str(aID), str(aToken)), KindNotFound)

	fresh := newTestSession(t, store)
	wantKind(t, fresh.Destroy(ctx), KindPreconditionFailed)
}

func TestGraceTimerClosesUnauthenticated(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	s := newTestSession(t, mailbox.NewMemoryStore(), func(o *Options) {
		o.Config.AuthTimeout = 20 * time.Millisecond
		o.OnTimeout = func() { close(fired) }
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("grace timer never fired")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	_, err := s.Open(context.Background(), nil)
	wantKind(t, err, KindPreconditionFailed)
}

func TestGraceTimerCancelledByAuthentication(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	s := newTestSession(t, mailbox.NewMemoryStore(), func(o *Options) {
		o.Config.AuthTimeout = 30 * time.Millisecond
		o.OnTimeout = func() { fired <- struct{}{} }
	})
	if _, err := s.Open(context.Background(), nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	select {
	case <-fired:
		t.Fatalf("timer fired after authentication")
	default:
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v", s.State())
	}
}

type gatedStore struct {
	*mailbox.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) CreatePeer(ctx context.Context, now time.Time) (string, error) {
	close(g.entered)
	<-g.release
	return "", errors.New("backend unavailable")
}

func TestGraceTimerDeferredWhileAuthenticating(t *testing.T) {
	t.Parallel()

	store := &gatedStore{
		MemoryStore: mailbox.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	fired := make(chan struct{})
	s := newTestSession(t, store, func(o *Options) {
		o.Config.AuthTimeout = 20 * time.Millisecond
		o.OnTimeout = func() { close(fired) }
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), nil)
		done <- err
	}()
	<-store.entered
	time.Sleep(60 * time.Millisecond)

	select {
	case <-fired:
		t.Fatalf("timer must wait for the in-flight authentication")
	default:
	}

	close(store.release)
	wantKind(t, <-done, KindInternal)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("failed authentication after the deadline must close the connection")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
}

func TestContentLength(t *testing.T) {
	t.Parallel()

	if n := contentLength("héllo"); n != 5 {
		t.Fatalf("contentLength(héllo) = %d", n)
	}
	if n := contentLength("😀"); n != 2 {
		t.Fatalf("contentLength(emoji) = %d, want 2", n)
	}
}

// pausingStore blocks inside Enqueue (before queuing) or CreatePeer (after
// inserting) until release is closed.
type pausingStore struct {
	*mailbox.MemoryStore
	pauseEnqueue bool
	pauseCreate  bool
	created      []string
	entered      chan struct{}
	release      chan struct{}
}

func newPausingStore() *pausingStore {
	return &pausingStore{
		MemoryStore: mailbox.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (p *pausingStore) Enqueue(ctx context.Context, msg mailbox.Message) error {
	if p.pauseEnqueue {
		close(p.entered)
		<-p.release
	}
	return p.MemoryStore.Enqueue(ctx, msg)
}

func (p *pausingStore) CreatePeer(ctx context.Context, now time.Time) (string, error) {
	id, err := p.MemoryStore.CreatePeer(ctx, now)
	p.created = append(p.created, id)
	if p.pauseCreate {
		close(p.entered)
		<-p.release
	}
	return id, err
}

func TestSendRacingDestroyLeavesNoMessage(t *testing.T) {
	t.Parallel()

	store := newPausingStore()
	a, _, _ := openPeer(t, store)
	b, bID, _ := openPeer(t, store)
	store.pauseEnqueue = true
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- a.Send(ctx, str(bID), str("offer"), str("late"))
	}()
	<-store.entered

	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	close(store.release)
	wantKind(t, <-done, KindPreconditionFailed)

	got, err := b.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("destroyed peer still delivered %v", got)
	}
}

func TestZeroPollIntervalDisablesLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestSession(t, mailbox.NewMemoryStore(), func(o *Options) {
		o.Config.PollInterval = 0
		o.Now = clock.Now
	})
	ctx := context.Background()
	if _, err := s.Open(ctx, nil); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("second Poll within a second: %v", err)
	}
	if _, err := s.Poll(ctx); err != nil {
		t.Fatalf("immediate third Poll: %v", err)
	}
}

func TestNegativePollIntervalUsesDefault(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, mailbox.NewMemoryStore(), func(o *Options) {
		o.Config.PollInterval = -1
	})
	if got := s.poll.Interval(); got != constants.DefaultPollInterval {
		t.Fatalf("poll interval = %v, want %v", got, constants.DefaultPollInterval)
	}
}

func TestGraceTimerAlwaysArmed(t *testing.T) {
	t.Parallel()

	for _, timeout := range []time.Duration{0, -time.Second} {
		s := newTestSession(t, mailbox.NewMemoryStore(), func(o *Options) {
			o.Config.AuthTimeout = timeout
			o.OnTimeout = func() {}
		})
		if s.cfg.AuthTimeout != constants.DefaultAuthTimeout {
			t.Fatalf("AuthTimeout(%v) = %v, want %v", timeout, s.cfg.AuthTimeout, constants.DefaultAuthTimeout)
		}
		s.mu.Lock()
		armed := s.timer != nil
		s.mu.Unlock()
		if !armed {
			t.Fatalf("AuthTimeout(%v) left the grace timer unarmed", timeout)
		}
	}
}

func TestCloseDuringOpenDropsPeer(t *testing.T) {
	t.Parallel()

	store := newPausingStore()
	store.pauseCreate = true
	s := newTestSession(t, store)
	ctx := context.Background()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.Open(ctx, nil)
		done <- result{res.ID, err}
	}()
	<-store.entered

	s.Close()
	close(store.release)
	got := <-done
	wantKind(t, got.err, KindPreconditionFailed)
	if got.id != "" {
		t.Fatalf("Open returned id %q for a closed session", got.id)
	}

	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d peers, want 1", len(store.created))
	}
	if ok, _ := store.PeerExists(ctx, store.created[0]); ok {
		t.Fatalf("peer %s outlived the closed session", store.created[0])
	}
}
