package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphub-dev/apphub/pkg/protocol"
	"github.com/apphub-dev/apphub/pkg/security"
)

// RestartExitCode is the sentinel exit code signalling "restart
// requested" to an external process supervisor.
const RestartExitCode = 100

// Version is the server version reported by /version.
const Version = "0.9.0"

// Server multiplexes many independent apps over one process: it
// accepts transports, drives each session's handshake, and owns the
// dispatcher, the security manager, and the session registry. All
// component wiring is explicit; the server is created at start and
// torn down at stop with no process-global state.
type Server struct {
	config     *Config
	logger     *slog.Logger
	security   *security.Manager
	dispatcher *Dispatcher
	sessions   *SessionManager
	metrics    *Metrics

	registry   *prometheus.Registry
	router     chi.Router
	httpServer *http.Server
	httpClient *http.Client
	upgrader   websocket.Upgrader

	// Started fires after the listener is bound; Stopped after
	// shutdown completes.
	Started Emitter[struct{}]
	Stopped Emitter[struct{}]

	running          atomic.Bool
	restartRequested atomic.Bool
}

// New creates a server. The token store backs issued bearer tokens;
// pass a MemoryTokenStore for tests.
func New(config *Config, tokens security.TokenStore) *Server {
	config = config.withDefaults()
	logger := config.Logger.With("component", "server")

	registry := prometheus.NewRegistry()
	srv := &Server{
		config:     config,
		logger:     logger,
		security:   security.NewManager(config.Address, tokens),
		dispatcher: NewDispatcher(config.Logger),
		sessions:   NewSessionManager(config.Logger),
		metrics:    NewMetrics(registry),
		registry:   registry,
		router:     chi.NewRouter(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     originChecker(config),
		},
	}
	srv.dispatcher.MustRegister(protocol.ReservedTypes()...)
	if config.DashboardToken != "" {
		srv.security.RegisterDashboardToken(config.DashboardToken)
	}

	srv.sessions.Connected.Listen(func(*Session) {
		srv.metrics.SessionsTotal.Inc()
		srv.metrics.ActiveSessions.Inc()
	})
	srv.sessions.Disconnected.Listen(func(*Session) {
		srv.metrics.ActiveSessions.Dec()
	})

	srv.routes()
	return srv
}

// Security returns the server's trust boundary.
func (srv *Server) Security() *security.Manager { return srv.security }

// Dispatcher returns the packet registry and dispatcher.
func (srv *Server) Dispatcher() *Dispatcher { return srv.dispatcher }

// Sessions returns the session registry.
func (srv *Server) Sessions() *SessionManager { return srv.sessions }

// Metrics returns the server metrics.
func (srv *Server) Metrics() *Metrics { return srv.metrics }

// Router returns the HTTP side-channel router so collaborators (asset
// store, dashboard pages) can mount routes before Start.
func (srv *Server) Router() chi.Router { return srv.router }

// Config returns the effective configuration.
func (srv *Server) Config() *Config { return srv.config }

// Logger returns the base logger.
func (srv *Server) Logger() *slog.Logger { return srv.config.Logger }

func originChecker(config *Config) func(*http.Request) bool {
	trusted := make(map[string]struct{}, len(config.TrustedOrigins))
	for _, origin := range config.TrustedOrigins {
		trusted[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := trusted[origin]; ok {
			return true
		}
		// Same-host origins are always fine.
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	}
}

func (srv *Server) routes() {
	srv.router.Use(newHTTPMetrics(srv.registry).middleware(tracerFor("apphub/server")))
	srv.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "apphub", "version": Version})
	})
	srv.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"version": Version, "protocol": protocol.Version})
	})
	srv.router.Get("/proxy", srv.handleProxy)
	srv.router.Handle("/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	srv.router.Get("/ws", srv.handleWebsocket)
}

// handleProxy is the generic same-origin proxy: it fetches the given
// URL and streams the body back, with cache-control switched by the
// no_cache query flag.
func (srv *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := srv.httpClient.Do(req)
	if err != nil {
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if r.URL.Query().Get("no_cache") != "" {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "max-age=3600")
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleWebsocket upgrades a connection and admits it as a session.
func (srv *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	go srv.Admit(NewWebsocketConn(conn))
}

// Admit runs a transport through the session lifecycle: handshake,
// registration, then the read loop until teardown. Loopback plugin
// connections enter here exactly like network transports.
func (srv *Server) Admit(conn Conn) {
	s := newSession(srv, conn)

	done := make(chan error, 1)
	go func() { done <- srv.handshake(s) }()
	select {
	case err := <-done:
		if err != nil {
			reason := protocol.DisconnectReasonFor(err)
			srv.metrics.DisconnectsTotal.WithLabelValues(string(reason)).Inc()
			if !errors.Is(err, ErrConnClosed) {
				srv.logger.Warn("handshake failed", "reason", string(reason), "error", err)
			}
			s.Disconnect(reason, err.Error())
			return
		}
	case <-time.After(srv.config.HandshakeTimeout):
		s.Disconnect(protocol.ReasonClose, "handshake timeout")
		return
	}

	s.Disconnected.Listen(func(*Session) {
		srv.metrics.DisconnectsTotal.WithLabelValues(string(protocol.ReasonClose)).Inc()
	})
	srv.sessions.Register(s)
	s.run()
}

// Start binds the listener and serves until ctx is cancelled or Stop
// is called. Failure to bind aborts startup entirely.
func (srv *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.config.Address)
	if err != nil {
		return err
	}
	srv.running.Store(true)
	srv.httpServer = &http.Server{Handler: srv.router}
	srv.logger.Info("listening", "address", srv.config.Address)
	srv.Started.Emit(struct{}{})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return srv.Stop()
	case err := <-errCh:
		srv.running.Store(false)
		return err
	}
}

// Stop gracefully terminates all sessions and shuts down the HTTP
// server.
func (srv *Server) Stop() error {
	if !srv.running.CompareAndSwap(true, false) {
		return nil
	}
	srv.logger.Info("stopping server")
	reason := protocol.ReasonShutdown
	if srv.restartRequested.Load() {
		reason = protocol.ReasonServerRestart
	}
	srv.sessions.DisconnectAll(reason, "server is stopping")

	ctx, cancel := context.WithTimeout(context.Background(), srv.config.ShutdownTimeout)
	defer cancel()
	var err error
	if srv.httpServer != nil {
		err = srv.httpServer.Shutdown(ctx)
	}
	srv.Stopped.Emit(struct{}{})
	return err
}

// Restart marks a restart and stops the server. The CLI layer re-execs
// the process with the same arguments and exits with RestartExitCode
// so an external supervisor can also react.
func (srv *Server) Restart() error {
	srv.restartRequested.Store(true)
	return srv.Stop()
}

// RestartRequested reports whether the last Stop was a restart.
func (srv *Server) RestartRequested() bool {
	return srv.restartRequested.Load()
}

// Reexec spawns a fresh server process with the same arguments.
// Returns the child PID.
func Reexec() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}
