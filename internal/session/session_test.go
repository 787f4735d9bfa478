package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haroon-sajid/teamapp-gateway/internal/admission"
	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
	"github.com/haroon-sajid/teamapp-gateway/internal/directory"
	"github.com/haroon-sajid/teamapp-gateway/internal/presence"
	"github.com/haroon-sajid/teamapp-gateway/internal/protocol"
	"github.com/haroon-sajid/teamapp-gateway/internal/session"
	"github.com/haroon-sajid/teamapp-gateway/pkg/config"
	"github.com/haroon-sajid/teamapp-gateway/pkg/transport"
)

// --- fakes ---

type fakeLink struct {
	id      uuid.UUID
	mu      sync.Mutex
	msgs    [][]byte
	closed  bool
	onClose func(err error)
}

func newFakeLink() *fakeLink { return &fakeLink{id: uuid.New()} }

func (f *fakeLink) ID() uuid.UUID { return f.id }

func (f *fakeLink) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeLink) Close(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cb := f.onClose
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events decodes every message sent so far.
func (f *fakeLink) events() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.msgs))
	for _, msg := range f.msgs {
		var env protocol.Envelope
		if json.Unmarshal(msg, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeLink) lastEvent(name string) (json.RawMessage, bool) {
	var payload json.RawMessage
	found := false
	for _, env := range f.events() {
		if env.Event == name {
			payload = env.Payload
			found = true
		}
	}
	return payload, found
}

var _ transport.Link = (*fakeLink)(nil)

type fakeVerifier struct {
	identities map[string]auth.Identity
	errs       map[string]error
}

func (f *fakeVerifier) Verify(token string) (auth.Identity, error) {
	if err, ok := f.errs[token]; ok {
		return auth.Identity{}, err
	}
	if id, ok := f.identities[token]; ok {
		return id, nil
	}
	return auth.Identity{}, auth.ErrMalformed
}

type fakeDir struct {
	mu       sync.Mutex
	teams    map[string][]string
	tasks    map[string][]directory.Task
	teamsErr error
	gate     chan struct{} // when non-nil, UserTeams blocks until closed
}

func (f *fakeDir) ResolveProjectTeam(ctx context.Context, projectID string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeDir) UserTeams(ctx context.Context, subjectID string) ([]string, error) {
	f.mu.Lock()
	gate := f.gate
	err := f.teamsErr
	teams := f.teams[subjectID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return teams, nil
}

func (f *fakeDir) UserTasks(ctx context.Context, subjectID string) ([]directory.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[subjectID], nil
}

// --- harness ---

type harness struct {
	clk *clock.Mock
	adm *admission.Controller
	reg *presence.Registry
	dir *fakeDir
	ver *fakeVerifier
}

func newHarness(admCfg config.AdmissionConfig) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	return &harness{
		clk: clk,
		adm: admission.NewController(logger, admCfg, clk),
		reg: presence.NewRegistry(logger),
		dir: &fakeDir{
			teams: map[string][]string{"alice": {"t1"}},
			tasks: map[string][]directory.Task{},
		},
		ver: &fakeVerifier{
			identities: map[string]auth.Identity{
				"valid-token": {
					SubjectID: "alice",
					Email:     "alice@example.com",
					Role:      auth.RoleMember,
					IssuedAt:  time.Now(),
					ExpiresAt: time.Now().Add(time.Hour),
				},
			},
			errs: map[string]error{
				"expired-token":   auth.ErrExpired,
				"malformed-token": auth.ErrMalformed,
				"premature-token": auth.ErrNotYetValid,
			},
		},
	}
}

func generousAdmission() config.AdmissionConfig {
	return config.AdmissionConfig{
		General: config.CounterConfig{
			Window:    time.Minute,
			Untrusted: config.TierConfig{Ceiling: 100},
			Trusted:   config.TierConfig{Ceiling: 100},
		},
		Expired: config.CounterConfig{
			Window:    time.Minute,
			Untrusted: config.TierConfig{Ceiling: 100},
			Trusted:   config.TierConfig{Ceiling: 100},
		},
		MaxConns: config.TierInts{Untrusted: 100, Trusted: 100},
	}
}

func (h *harness) newSession(addr string) (*session.Session, *fakeLink) {
	link := newFakeLink()
	sess := session.New(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		link,
		addr,
		false,
		h.ver,
		h.adm,
		h.reg,
		h.dir,
		h.clk,
		session.Config{AuthGrace: 10 * time.Second, ReauthGrace: 5 * time.Second},
	)
	// Mirror the server wiring: transport close tears the session down.
	link.onClose = sess.Teardown
	return sess, link
}

func waitAuthenticated(t *testing.T, sess *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := sess.Identity()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func countEvents(link *fakeLink, name string) int {
	n := 0
	for _, env := range link.events() {
		if env.Event == name {
			n++
		}
	}
	return n
}

func waitEvent(t *testing.T, link *fakeLink, name string) json.RawMessage {
	t.Helper()
	var payload json.RawMessage
	require.Eventually(t, func() bool {
		p, ok := link.lastEvent(name)
		payload = p
		return ok
	}, time.Second, 5*time.Millisecond, "expected %q event", name)
	return payload
}

// --- tests ---

func TestNoCredentialOpensGracePeriod(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "")

	assert.Equal(t, session.StatePendingGrace, sess.State())
	_, got := link.lastEvent(protocol.EvAuthRequired)
	assert.True(t, got)

	// Never closed before the grace period is up.
	h.clk.Add(10*time.Second - time.Millisecond)
	assert.False(t, link.isClosed())

	// Closed once it elapses.
	h.clk.Add(time.Millisecond)
	assert.True(t, link.isClosed())
	assert.Equal(t, session.StateClosed, sess.State())
}

func TestValidCredentialAuthenticates(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "valid-token")
	waitAuthenticated(t, sess)

	payload := waitEvent(t, link, protocol.EvAuthenticated)
	var authed protocol.AuthenticatedPayload
	require.NoError(t, json.Unmarshal(payload, &authed))
	assert.Equal(t, "alice", authed.User.ID)
	assert.Equal(t, []string{"team:t1"}, authed.TeamScopes)

	// Team scopes were auto-joined.
	require.Eventually(t, func() bool {
		return len(h.reg.ScopeSenders("team:t1")) == 1
	}, time.Second, 5*time.Millisecond)

	// Task sync follows authentication.
	waitEvent(t, link, protocol.EvTaskSync)
}

func TestAuthenticationCancelsGraceTimer(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "")
	sess.HandleCredential(context.Background(), "valid-token")
	waitAuthenticated(t, sess)

	// The stale grace timer must not kill the authenticated connection.
	h.clk.Add(time.Minute)
	assert.False(t, link.isClosed())
	assert.Equal(t, session.StateAuthenticated, sess.State())
}

func TestExpiredTokenEarnsReauthGrace(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "expired-token")

	assert.Equal(t, session.StatePendingGrace, sess.State())
	payload, got := link.lastEvent(protocol.EvAuthError)
	require.True(t, got)
	var notice protocol.AuthNoticePayload
	require.NoError(t, json.Unmarshal(payload, &notice))
	assert.Equal(t, protocol.CodeTokenExpired, notice.Code)
	assert.Equal(t, protocol.ActionRefresh, notice.Action)
	assert.False(t, link.isClosed())

	// Re-auth window is 5s, not the connect-time 10s.
	h.clk.Add(5 * time.Second)
	assert.True(t, link.isClosed())
}

func TestExpiredThenRefreshSucceeds(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "expired-token")
	sess.HandleCredential(context.Background(), "valid-token")
	waitAuthenticated(t, sess)

	h.clk.Add(time.Minute)
	assert.False(t, link.isClosed())
}

func TestMalformedTokenClosesWithoutGrace(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "malformed-token")

	payload, got := link.lastEvent(protocol.EvAuthError)
	require.True(t, got)
	var notice protocol.AuthNoticePayload
	require.NoError(t, json.Unmarshal(payload, &notice))
	assert.Equal(t, protocol.CodeTokenInvalid, notice.Code)
	assert.Equal(t, protocol.ActionLogin, notice.Action)
	assert.True(t, link.isClosed())
	assert.Equal(t, session.StateClosed, sess.State())
}

func TestPrematureTokenClosesWithoutGrace(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "premature-token")

	payload, got := link.lastEvent(protocol.EvAuthError)
	require.True(t, got)
	var notice protocol.AuthNoticePayload
	require.NoError(t, json.Unmarshal(payload, &notice))
	assert.Equal(t, protocol.CodeTokenPremature, notice.Code)
	assert.True(t, link.isClosed())
}

func TestRateLimitedAuthentication(t *testing.T) {
	cfg := generousAdmission()
	cfg.General.Untrusted.Ceiling = 1
	h := newHarness(cfg)

	first, _ := h.newSession("203.0.113.7")
	first.Start(context.Background(), "valid-token")
	waitAuthenticated(t, first)

	second, link := h.newSession("203.0.113.7")
	second.Start(context.Background(), "valid-token")

	payload, got := link.lastEvent(protocol.EvRateLimitExceeded)
	require.True(t, got)
	var notice protocol.AuthNoticePayload
	require.NoError(t, json.Unmarshal(payload, &notice))
	assert.Equal(t, protocol.CodeRateLimited, notice.Code)
	assert.GreaterOrEqual(t, notice.RetryAfter, int64(1))
	assert.True(t, link.isClosed())
}

func TestExpiredBudgetDoesNotBlockValidAttempt(t *testing.T) {
	cfg := generousAdmission()
	cfg.Expired.Untrusted.Ceiling = 1
	h := newHarness(cfg)

	// Burn the expired budget on one connection.
	first, firstLink := h.newSession("203.0.113.7")
	first.Start(context.Background(), "expired-token")
	first.HandleCredential(context.Background(), "expired-token")
	assert.True(t, firstLink.isClosed())

	// A valid credential from the same address still authenticates.
	second, _ := h.newSession("203.0.113.7")
	second.Start(context.Background(), "valid-token")
	waitAuthenticated(t, second)
}

func TestConcurrentConnectionCeiling(t *testing.T) {
	cfg := generousAdmission()
	cfg.MaxConns.Untrusted = 1
	h := newHarness(cfg)

	first, _ := h.newSession("203.0.113.7")
	first.Start(context.Background(), "valid-token")
	waitAuthenticated(t, first)

	second, link := h.newSession("203.0.113.7")
	second.Start(context.Background(), "valid-token")

	payload, got := link.lastEvent(protocol.EvConnLimitExceeded)
	require.True(t, got)
	var notice protocol.AuthNoticePayload
	require.NoError(t, json.Unmarshal(payload, &notice))
	assert.Equal(t, protocol.CodeConnLimit, notice.Code)
	assert.True(t, link.isClosed())
	assert.Equal(t, session.StateClosed, second.State())

	// Closing the first connection frees the slot.
	first.Close(errors.New("client gone"))
	third, _ := h.newSession("203.0.113.7")
	third.Start(context.Background(), "valid-token")
	waitAuthenticated(t, third)
}

func TestTeardownCleansUpEverything(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "valid-token")
	waitAuthenticated(t, sess)
	require.Eventually(t, func() bool {
		return len(h.reg.ScopeSenders("team:t1")) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, err := h.reg.JoinRoom(sess.ConnID(), "project:p1")
	require.NoError(t, err)

	sess.Close(errors.New("client gone"))

	assert.True(t, link.isClosed())
	assert.Equal(t, session.StateClosed, sess.State())
	assert.Empty(t, h.reg.SubjectSenders("alice"))
	assert.Empty(t, h.reg.RoomMembers("project:p1"))
	assert.Empty(t, h.reg.ScopeSenders("team:t1"))

	// Teardown is idempotent.
	sess.Teardown(nil)
}

func TestDisconnectRacesTeamResolution(t *testing.T) {
	h := newHarness(generousAdmission())
	gate := make(chan struct{})
	h.dir.gate = gate

	sess, link := h.newSession("203.0.113.7")
	sess.Start(context.Background(), "valid-token")
	waitAuthenticated(t, sess)

	// Disconnect while the team resolution call is still outstanding.
	sess.Close(errors.New("client gone"))
	close(gate)

	// The stale resolution result must be discarded silently.
	assert.Never(t, func() bool {
		_, got := link.lastEvent(protocol.EvAuthenticated)
		return got
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, h.reg.ScopeSenders("team:t1"))
	assert.Empty(t, h.reg.SubjectSenders("alice"))
}

func TestCredentialIgnoredAfterClose(t *testing.T) {
	h := newHarness(generousAdmission())
	sess, link := h.newSession("203.0.113.7")

	sess.Start(context.Background(), "")
	sess.Close(errors.New("client gone"))
	require.True(t, link.isClosed())

	sess.HandleCredential(context.Background(), "valid-token")
	assert.Equal(t, session.StateClosed, sess.State())
	_, got := link.lastEvent(protocol.EvAuthenticated)
	assert.False(t, got)
}

// addSubject registers a second verifiable identity with the harness.
func (h *harness) addSubject(token, subject string) {
	h.ver.identities[token] = auth.Identity{
		SubjectID: subject,
		Email:     subject + "@example.com",
		Role:      auth.RoleMember,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	h.dir.mu.Lock()
	h.dir.teams[subject] = []string{"t1"}
	h.dir.mu.Unlock()
}

func TestExpiredRefreshDetachesPresence(t *testing.T) {
	h := newHarness(generousAdmission())
	h.addSubject("bob-token", "bob")

	alice, aliceLink := h.newSession("203.0.113.7")
	alice.Start(context.Background(), "valid-token")
	waitEvent(t, aliceLink, protocol.EvAuthenticated)
	bob, bobLink := h.newSession("203.0.113.8")
	bob.Start(context.Background(), "bob-token")
	waitEvent(t, bobLink, protocol.EvAuthenticated)

	_, _, err := h.reg.JoinRoom(alice.ConnID(), "project:p1")
	require.NoError(t, err)
	_, _, err = h.reg.JoinRoom(bob.ConnID(), "project:p1")
	require.NoError(t, err)
	require.Len(t, h.reg.ScopeSenders("team:t1"), 2)

	alice.HandleCredential(context.Background(), "expired-token")

	// Alice keeps her connection and the re-auth grace, but until she
	// re-authenticates she must not be addressable as a presence.
	assert.Equal(t, session.StatePendingGrace, alice.State())
	assert.False(t, aliceLink.isClosed())
	assert.Empty(t, h.reg.SubjectSenders("alice"))
	assert.Len(t, h.reg.ScopeSenders("team:t1"), 1)
	members := h.reg.RoomMembers("project:p1")
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].SubjectID)

	// The room is told she left.
	payload, got := bobLink.lastEvent(protocol.EvUserLeft)
	require.True(t, got)
	var left protocol.RoomEventPayload
	require.NoError(t, json.Unmarshal(payload, &left))
	assert.Equal(t, "p1", left.ProjectID)
	assert.Equal(t, "alice", left.User.ID)

	// Re-authenticating restores registration.
	alice.HandleCredential(context.Background(), "valid-token")
	waitAuthenticated(t, alice)
	require.Eventually(t, func() bool {
		return len(h.reg.ScopeSenders("team:t1")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestValidRefreshKeepsRoomAndScopes(t *testing.T) {
	h := newHarness(generousAdmission())
	h.addSubject("bob-token", "bob")

	alice, aliceLink := h.newSession("203.0.113.7")
	alice.Start(context.Background(), "valid-token")
	waitEvent(t, aliceLink, protocol.EvAuthenticated)
	bob, bobLink := h.newSession("203.0.113.8")
	bob.Start(context.Background(), "bob-token")
	waitEvent(t, bobLink, protocol.EvAuthenticated)

	_, _, err := h.reg.JoinRoom(alice.ConnID(), "project:p1")
	require.NoError(t, err)
	_, _, err = h.reg.JoinRoom(bob.ConnID(), "project:p1")
	require.NoError(t, err)

	// Routine refresh before expiry.
	alice.HandleCredential(context.Background(), "valid-token")
	require.Eventually(t, func() bool {
		return countEvents(aliceLink, protocol.EvAuthenticated) == 2
	}, time.Second, 5*time.Millisecond)

	// Room and scope membership survive the refresh untouched.
	entry, ok := h.reg.Get(alice.ConnID())
	require.True(t, ok)
	assert.Equal(t, "project:p1", entry.Room)
	assert.Len(t, h.reg.RoomMembers("project:p1"), 2)
	assert.Len(t, h.reg.ScopeSenders("team:t1"), 2)

	// Nobody is told alice left, because she never did.
	_, got := bobLink.lastEvent(protocol.EvUserLeft)
	assert.False(t, got)
}

func TestDisconnectNotifiesRoomMembers(t *testing.T) {
	h := newHarness(generousAdmission())
	h.addSubject("bob-token", "bob")

	alice, _ := h.newSession("203.0.113.7")
	alice.Start(context.Background(), "valid-token")
	waitAuthenticated(t, alice)
	bob, bobLink := h.newSession("203.0.113.8")
	bob.Start(context.Background(), "bob-token")
	waitAuthenticated(t, bob)

	_, _, err := h.reg.JoinRoom(alice.ConnID(), "project:p1")
	require.NoError(t, err)
	_, _, err = h.reg.JoinRoom(bob.ConnID(), "project:p1")
	require.NoError(t, err)

	alice.Close(errors.New("client gone"))

	payload, got := bobLink.lastEvent(protocol.EvUserLeft)
	require.True(t, got)
	var left protocol.RoomEventPayload
	require.NoError(t, json.Unmarshal(payload, &left))
	assert.Equal(t, "alice", left.User.ID)
	members := h.reg.RoomMembers("project:p1")
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].SubjectID)
}

func TestEphemeralThrottle(t *testing.T) {
	h := newHarness(generousAdmission())
	link := newFakeLink()
	sess := session.New(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		link, "203.0.113.7", false,
		h.ver, h.adm, h.reg, h.dir, h.clk,
		session.Config{
			AuthGrace:      10 * time.Second,
			ReauthGrace:    5 * time.Second,
			EphemeralRate:  1,
			EphemeralBurst: 1,
		},
	)

	assert.True(t, sess.EphemeralAllow())
	assert.False(t, sess.EphemeralAllow(), "second event inside the window must be throttled")
}
