package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haroon-sajid/teamapp-gateway/internal/admission"
	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
	"github.com/haroon-sajid/teamapp-gateway/internal/directory"
	"github.com/haroon-sajid/teamapp-gateway/internal/metrics"
	"github.com/haroon-sajid/teamapp-gateway/internal/presence"
	"github.com/haroon-sajid/teamapp-gateway/internal/router"
	"github.com/haroon-sajid/teamapp-gateway/internal/server/middleware"
	"github.com/haroon-sajid/teamapp-gateway/internal/session"
	"github.com/haroon-sajid/teamapp-gateway/pkg/config"
	"github.com/haroon-sajid/teamapp-gateway/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    *presence.Registry
	admission   *admission.Controller
	eventRouter *router.EventRouter
	verifier    *auth.Verifier
	dir         directory.Resolver
	clk         clock.Clock

	wg        sync.WaitGroup
	sessionMu sync.Mutex
	sessions  map[string]*session.Session

	http      *http.Server
	config    *config.Config
	startedAt time.Time

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	clk := clock.New()
	registry := presence.NewRegistry(logger)
	adm := admission.NewController(logger, cfg.Admission, clk)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Leeway)
	dir := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.ServiceToken, cfg.Directory.Timeout)
	eventRouter := router.NewEventRouter(logger, registry, dir)

	app := &App{
		logger:      logger,
		registry:    registry,
		admission:   adm,
		eventRouter: eventRouter,
		verifier:    verifier,
		dir:         dir,
		clk:         clk,
		sessions:    make(map[string]*session.Session),
		config:      cfg,
		startedAt:   time.Now(),
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
	))
	mux.HandleFunc("/healthz", app.healthzHandler)
	mux.HandleFunc("/status", app.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

func (a *App) Run() error {
	go a.admission.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)

	sess := session.New(
		a.logger,
		conn,
		reqMeta.IP,
		reqMeta.TrustedLocal,
		a.verifier,
		a.admission,
		a.registry,
		a.dir,
		a.clk,
		session.Config{
			AuthGrace:      a.config.Session.AuthGrace,
			ReauthGrace:    a.config.Session.ReauthGrace,
			EphemeralRate:  a.config.Session.EphemeralRate,
			EphemeralBurst: a.config.Session.EphemeralBurst,
		},
	)

	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		a.eventRouter.HandleMessage(ctx, sess, msg)
	})
	conn.SetOnCloseHandler(func(_ uuid.UUID, err error) {
		sess.Teardown(err)
		a.dropSession(sess)
		metrics.ActiveConnections.Dec()
	})

	a.trackSession(sess)
	metrics.ActiveConnections.Inc()
	conn.Run()

	// Connect-time credential, if the client supplied one.
	sess.Start(a.ctx, connectToken(r))

	<-conn.Done()
}

// connectToken extracts the optional connect-time credential.
func connectToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

func (a *App) trackSession(s *session.Session) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	a.sessions[s.ConnID().String()] = s
}

func (a *App) dropSession(s *session.Session) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	delete(a.sessions, s.ConnID().String())
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *App) statusHandler(w http.ResponseWriter, _ *http.Request) {
	conns, subjects, rooms := a.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptimeSeconds":    int64(time.Since(a.startedAt).Seconds()),
		"connections":      conns,
		"subjects":         subjects,
		"rooms":            rooms,
		"admissionRecords": a.admission.RecordCount(),
	})
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.sessionMu.Lock()
	open := make([]*session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		open = append(open, s)
	}
	a.sessionMu.Unlock()
	for _, s := range open {
		s.Close(context.Canceled)
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
