package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"stokbro/internal/config"
	"stokbro/internal/handlers"
	"stokbro/internal/metrics"
)

// FilesPrefix is where locally stored objects are served
const FilesPrefix = "/files/"

// Routes are the handlers the server mounts
type Routes struct {
	API    *handlers.Handler
	Health *handlers.HealthHandler
	// Session authenticates /api requests
	Session func(http.Handler) http.Handler
	// Files serves the local storage root; nil when storage is remote
	Files http.Handler
}

// Server wraps the HTTP server
type Server struct {
	logger *zap.Logger
	cfg    *config.Config
	srv    *http.Server
	addr   chan string
}

// New creates a new server instance
func New(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, routes Routes) *Server {
	r := mux.NewRouter()
	r.Use(handlers.RequestIDMiddleware)
	r.Use(handlers.AccessLog(logger))

	r.Handle("/metrics", handlers.BasicAuth("metrics", cfg.MetricsUsername, cfg.MetricsPassword)(promhttp.Handler()))
	r.HandleFunc("/health", routes.Health.Health).Methods(http.MethodGet)

	if routes.Files != nil {
		r.PathPrefix(FilesPrefix).Handler(http.StripPrefix(FilesPrefix, routes.Files)).Methods(http.MethodGet, http.MethodHead)
	}

	api := r.PathPrefix("/api").Subrouter()
	if routes.Session != nil {
		api.Use(routes.Session)
	}
	routes.API.Register(api)

	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.RequestTimeout,
		},
		addr: make(chan string, 1),
	}
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.cfg.EnableHTTPS {
		return s.startHTTPS()
	}
	return s.startHTTP()
}

func (s *Server) startHTTP() error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return err
	}
	s.srv.Addr = ln.Addr().String()
	s.addr <- s.srv.Addr
	s.logger.Info("starting HTTP server", zap.String("addr", s.srv.Addr))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr blocks until the listener is bound and returns its address
func (s *Server) Addr() string {
	addr := <-s.addr
	s.addr <- addr
	return addr
}

func (s *Server) startHTTPS() error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.LetsEncryptDomains...),
		Cache:      autocert.DirCache(s.cfg.LetsEncryptCacheDir),
		Email:      s.cfg.LetsEncryptEmail,
	}

	// ACME challenges and redirects
	go func() {
		s.logger.Info("starting HTTP server for challenges/redirects", zap.String("addr", ":80"))
		if err := http.ListenAndServe(":80", m.HTTPHandler(nil)); err != nil {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.srv.Addr = ":443"
	s.srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate}
	s.addr <- s.srv.Addr
	s.logger.Info("starting HTTPS server", zap.String("addr", s.srv.Addr), zap.Strings("domains", s.cfg.LetsEncryptDomains))

	go func() {
		if err := s.srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTPS server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// WaitForShutdown waits for interrupt signal and gracefully shuts down the server
func (s *Server) WaitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
