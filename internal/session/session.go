// Package session owns one connection's authentication lifecycle from
// transport accept to teardown.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/haroon-sajid/teamapp-gateway/internal/admission"
	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
	"github.com/haroon-sajid/teamapp-gateway/internal/directory"
	"github.com/haroon-sajid/teamapp-gateway/internal/metrics"
	"github.com/haroon-sajid/teamapp-gateway/internal/presence"
	"github.com/haroon-sajid/teamapp-gateway/internal/protocol"
	"github.com/haroon-sajid/teamapp-gateway/pkg/transport"
)

type State int

const (
	StateUnauthenticated State = iota
	StatePendingGrace
	StateAuthenticated
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePendingGrace:
		return "pending_grace"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// TokenVerifier decodes a bearer credential into an identity claim.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type Config struct {
	AuthGrace      time.Duration
	ReauthGrace    time.Duration
	EphemeralRate  float64
	EphemeralBurst int
}

// Session is the per-connection authentication state machine. The transport
// invokes it from the connection's read pump; timer callbacks and directory
// resolutions arrive on their own goroutines, so all state lives behind mu
// and every scheduled task re-checks its guard under the lock before acting.
type Session struct {
	mu    sync.Mutex
	state State
	ident auth.Identity
	// epoch increments on every state transition; stale timers and in-flight
	// directory results compare epochs and no-op when the world has moved on.
	epoch      int
	graceTimer *clock.Timer
	slotHeld   bool

	addr    string
	trusted bool
	link    transport.Link

	verifier  TokenVerifier
	admission *admission.Controller
	registry  *presence.Registry
	dir       directory.Resolver
	clk       clock.Clock
	cfg       Config

	ephemeral *rate.Limiter
	logger    *slog.Logger
}

func New(
	logger *slog.Logger,
	link transport.Link,
	addr string,
	trusted bool,
	verifier TokenVerifier,
	adm *admission.Controller,
	registry *presence.Registry,
	dir directory.Resolver,
	clk clock.Clock,
	cfg Config,
) *Session {
	if cfg.EphemeralRate <= 0 {
		cfg.EphemeralRate = 20
	}
	if cfg.EphemeralBurst <= 0 {
		cfg.EphemeralBurst = int(cfg.EphemeralRate) * 2
	}
	return &Session{
		state:     StateUnauthenticated,
		addr:      addr,
		trusted:   trusted,
		link:      link,
		verifier:  verifier,
		admission: adm,
		registry:  registry,
		dir:       dir,
		clk:       clk,
		cfg:       cfg,
		ephemeral: rate.NewLimiter(rate.Limit(cfg.EphemeralRate), cfg.EphemeralBurst),
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("connID", link.ID().String()),
			slog.String("addr", addr),
		),
	}
}

// Start runs the connect-time admission and credential branching. token may
// be empty, which opens the missing-credential grace period.
func (s *Session) Start(ctx context.Context, token string) {
	if d := s.admission.AcquireSlot(s.addr, s.trusted); !d.Allowed {
		metrics.AdmissionRejections.WithLabelValues(d.Reason).Inc()
		s.mu.Lock()
		s.state = StateRejected
		s.epoch++
		s.mu.Unlock()
		s.notify(protocol.EvConnLimitExceeded, protocol.AuthNoticePayload{
			Code:       protocol.CodeConnLimit,
			Message:    "too many concurrent connections from this address",
			Action:     protocol.ActionRetry,
			RetryAfter: retrySeconds(d.RetryAfter),
		})
		s.link.Close(errors.New("connection limit exceeded"))
		return
	}
	s.mu.Lock()
	s.slotHeld = true
	s.mu.Unlock()

	if token == "" {
		s.mu.Lock()
		s.state = StatePendingGrace
		s.epoch++
		s.scheduleGraceLocked(s.cfg.AuthGrace)
		s.mu.Unlock()
		s.notify(protocol.EvAuthRequired, protocol.AuthNoticePayload{
			Code:    protocol.CodeAuthRequired,
			Message: "authenticate within the grace period",
			Action:  protocol.ActionAuthenticate,
		})
		return
	}
	s.HandleCredential(ctx, token)
}

// HandleCredential runs the verification + admission branching shared by
// connect-time credentials and client-initiated refresh.
func (s *Session) HandleCredential(ctx context.Context, token string) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateRejected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	identity, err := s.verifier.Verify(token)
	switch {
	case err == nil:
		d := s.admission.AdmitGeneral(s.addr, s.trusted)
		if !d.Allowed {
			metrics.AdmissionRejections.WithLabelValues(d.Reason).Inc()
			s.rejectRateLimited(d)
			return
		}
		s.becomeAuthenticated(identity)

	case errors.Is(err, auth.ErrExpired):
		// Expiry is routine and client-driven; it draws on its own, more
		// lenient budget and earns a re-auth grace period instead of a close.
		d := s.admission.AdmitExpired(s.addr, s.trusted)
		if !d.Allowed {
			metrics.AdmissionRejections.WithLabelValues(d.Reason).Inc()
			s.rejectRateLimited(d)
			return
		}
		metrics.Authentications.WithLabelValues(protocol.CodeTokenExpired).Inc()
		s.mu.Lock()
		if s.state == StateClosed || s.state == StateRejected {
			s.mu.Unlock()
			return
		}
		wasAuthenticated := s.state == StateAuthenticated
		s.state = StatePendingGrace
		s.epoch++
		s.scheduleGraceLocked(s.cfg.ReauthGrace)
		s.mu.Unlock()
		if wasAuthenticated {
			// Only authenticated connections receive broadcasts, so leaving
			// Authenticated means leaving the registry until re-auth succeeds.
			s.detachPresence()
		}
		s.notify(protocol.EvAuthError, protocol.AuthNoticePayload{
			Code:    protocol.CodeTokenExpired,
			Message: "access token expired",
			Action:  protocol.ActionRefresh,
		})

	default:
		// Malformed / premature / claim-less tokens are not expected to
		// self-heal, so no grace period.
		code := authErrorCode(err)
		metrics.Authentications.WithLabelValues(code).Inc()
		d := s.admission.AdmitGeneral(s.addr, s.trusted)
		if !d.Allowed {
			metrics.AdmissionRejections.WithLabelValues(d.Reason).Inc()
			s.rejectRateLimited(d)
			return
		}
		s.notify(protocol.EvAuthError, protocol.AuthNoticePayload{
			Code:    code,
			Message: "credential rejected",
			Action:  protocol.ActionLogin,
		})
		s.link.Close(errors.New("authentication failed: " + code))
	}
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotYetValid):
		return protocol.CodeTokenPremature
	case errors.Is(err, auth.ErrMissingClaims):
		return protocol.CodeMissingClaims
	default:
		return protocol.CodeTokenInvalid
	}
}

func (s *Session) rejectRateLimited(d admission.Decision) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateRejected
	s.epoch++
	s.cancelTimerLocked()
	s.mu.Unlock()
	s.notify(protocol.EvRateLimitExceeded, protocol.AuthNoticePayload{
		Code:       protocol.CodeRateLimited,
		Message:    "too many authentication attempts",
		Action:     protocol.ActionRetry,
		RetryAfter: retrySeconds(d.RetryAfter),
	})
	s.link.Close(errors.New("admission denied"))
}

func (s *Session) becomeAuthenticated(identity auth.Identity) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateRejected {
		s.mu.Unlock()
		return
	}
	s.cancelTimerLocked()
	s.state = StateAuthenticated
	s.ident = identity
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	metrics.Authentications.WithLabelValues("ok").Inc()
	s.registry.Register(s.link.ID(), identity, s.link)
	s.logger.Info("Connection authenticated", slog.String("subject", identity.SubjectID), slog.String("role", string(identity.Role)))

	// Team resolution suspends only this goroutine; the connection stays
	// responsive, and a disconnect racing the call is caught by the epoch
	// guard before the result is applied.
	go s.resolveScopes(epoch, identity)
}

func (s *Session) resolveScopes(epoch int, identity auth.Identity) {
	teams, err := s.dir.UserTeams(context.Background(), identity.SubjectID)
	if err != nil {
		// Degrades to empty scopes; the client is still authenticated.
		s.logger.Warn("Team resolution failed, continuing with empty scopes", slog.Any("error", err))
		teams = nil
	}

	s.mu.Lock()
	if s.epoch != epoch || s.state != StateAuthenticated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	scopes := make([]string, 0, len(teams))
	for _, teamID := range teams {
		scopes = append(scopes, "team:"+teamID)
	}
	if err := s.registry.JoinTeamScopes(s.link.ID(), scopes); err != nil {
		// Connection died while the call was outstanding.
		return
	}

	s.notify(protocol.EvAuthenticated, protocol.AuthenticatedPayload{
		User: protocol.UserInfo{
			ID:    identity.SubjectID,
			Email: identity.Email,
			Role:  string(identity.Role),
		},
		TeamScopes: scopes,
		ExpiresIn:  int64(identity.TTL(s.clk.Now()).Seconds()),
	})

	s.syncTasks(epoch, identity)
}

// syncTasks pushes the subject's current task list after authentication,
// best-effort.
func (s *Session) syncTasks(epoch int, identity auth.Identity) {
	tasks, err := s.dir.UserTasks(context.Background(), identity.SubjectID)
	if err != nil {
		s.logger.Warn("Task sync failed", slog.Any("error", err))
		tasks = nil
	}

	s.mu.Lock()
	live := s.epoch == epoch && s.state == StateAuthenticated
	s.mu.Unlock()
	if !live {
		return
	}
	if tasks == nil {
		tasks = []directory.Task{}
	}
	s.notify(protocol.EvTaskSync, map[string]any{"tasks": tasks})
}

// Teardown releases everything the session holds. Invoked by the transport
// close handler from any state; repeated calls are no-ops.
func (s *Session) Teardown(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	s.epoch++
	s.cancelTimerLocked()
	slotHeld := s.slotHeld
	s.slotHeld = false
	s.mu.Unlock()

	s.detachPresence()
	if slotHeld {
		s.admission.ReleaseSlot(s.addr)
	}
	if prev != StateRejected {
		// Clean disconnects give attempt budget back.
		s.admission.RewardCleanClose(s.addr)
	}
	s.logger.Debug("Session torn down", slog.String("from", prev.String()), slog.Any("reason", err))
}

// detachPresence removes the connection from every registry index and, when
// the subject thereby departed a project room, tells the remaining members.
func (s *Session) detachPresence() {
	room, ident, ok := s.registry.Deregister(s.link.ID())
	if !ok || room == "" {
		return
	}
	msg := protocol.Marshal(protocol.EvUserLeft, protocol.RoomEventPayload{
		ProjectID: strings.TrimPrefix(room, "project:"),
		User: protocol.UserInfo{
			ID:    ident.SubjectID,
			Email: ident.Email,
			Role:  string(ident.Role),
		},
	})
	for _, sender := range s.registry.RoomSenders(room) {
		sender.Send(msg)
	}
}

// scheduleGraceLocked arms the grace timer for the current epoch. Caller
// holds mu. A fired timer whose epoch is stale is a no-op.
func (s *Session) scheduleGraceLocked(d time.Duration) {
	s.cancelTimerLocked()
	epoch := s.epoch
	s.graceTimer = s.clk.AfterFunc(d, func() {
		s.onGraceExpired(epoch)
	})
}

func (s *Session) onGraceExpired(epoch int) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StatePendingGrace {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info("Authentication grace period expired, closing connection")
	s.notify(protocol.EvAuthError, protocol.AuthNoticePayload{
		Code:    protocol.CodeAuthTimeout,
		Message: "authentication grace period expired",
		Action:  protocol.ActionLogin,
	})
	s.link.Close(errors.New("authentication grace period expired"))
}

func (s *Session) cancelTimerLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// Close forces the transport link shut; teardown follows through the
// transport close handler.
func (s *Session) Close(err error) {
	s.link.Close(err)
}

// Identity returns the authenticated identity, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return auth.Identity{}, false
	}
	return s.ident, true
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnID is the transport-assigned connection identifier.
func (s *Session) ConnID() uuid.UUID {
	return s.link.ID()
}

// Send pushes a wire-encoded event to this session's client.
func (s *Session) Send(msg []byte) {
	s.link.Send(msg)
}

// EphemeralAllow rate-limits typing/cursor floods per connection.
func (s *Session) EphemeralAllow() bool {
	return s.ephemeral.Allow()
}

func (s *Session) notify(event string, payload any) {
	s.link.Send(protocol.Marshal(event, payload))
}

func retrySeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
