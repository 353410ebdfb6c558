// Package gateway exposes the OpenAI compatible HTTP surface and wires the
// credential broker, upstream client and stream transformer together.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/assets"
	"github.com/lkarlslund/copilotbridge/pkg/catalog"
	"github.com/lkarlslund/copilotbridge/pkg/config"
	"github.com/lkarlslund/copilotbridge/pkg/credential"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
	"golang.org/x/crypto/acme/autocert"
)

const (
	portFallbackAttempts = 20
	drainTimeout         = 30 * time.Second
)

type Server struct {
	cfg        *config.ServerConfig
	broker     *credential.Broker
	upstream   *upstream.Client
	catalog    *catalog.Catalog
	landing    *template.Template
	handler    http.Handler
	httpServer *http.Server

	now        func() time.Time
	ids        upstream.IDSource
	httpClient *http.Client

	addr           atomic.Value
	activeRequests atomic.Int64
	draining       atomic.Bool
}

type Option func(*Server)

// WithClock replaces time.Now for synthesized timestamps and token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDSource(ids upstream.IDSource) Option {
	return func(s *Server) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithHTTPClient sets the client used for both the identity exchange and the
// provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

func NewServer(cfg *config.ServerConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	s := &Server{
		cfg: cfg,
		now: time.Now,
		ids: upstream.RandomIDs{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	identity := IdentityFromConfig(cfg)
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	upOpts := []upstream.Option{upstream.WithIDSource(s.ids), upstream.WithTimeout(timeout)}
	exchangeClient := &http.Client{Timeout: timeout}
	if s.httpClient != nil {
		upOpts = append(upOpts, upstream.WithHTTPClient(s.httpClient))
		exchangeClient = s.httpClient
	}
	s.upstream = upstream.NewClient(upstream.Endpoints{
		Chat:       cfg.Upstream.ChatURL,
		Embeddings: cfg.Upstream.EmbeddingsURL,
		Models:     cfg.Upstream.ModelsURL,
	}, identity, upOpts...)

	exchanger := &credential.HTTPExchanger{
		URL:    cfg.Upstream.TokenURL,
		Client: exchangeClient,
		Header: upstream.TokenExchangeHeader(identity, cfg.Identity.TokenAPIVersion),
	}
	s.broker = credential.NewBroker(exchanger, credential.Options{
		AllowedPrefixes:       cfg.Credentials.AllowedPrefixes,
		ReuseKnownWhenMissing: cfg.Credentials.ReuseKnownWhenMissing,
		Now:                   s.now,
	})

	cat, err := catalog.New(s.upstream)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	s.catalog = cat
	landing, err := assets.ParseTemplates()
	if err != nil {
		return nil, err
	}
	s.landing = landing

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// IdentityFromConfig maps the [identity] table onto the headers the provider
// expects from its editor clients.
func IdentityFromConfig(cfg *config.ServerConfig) upstream.Identity {
	return upstream.Identity{
		EditorVersion:       cfg.Identity.EditorVersion,
		EditorPluginVersion: cfg.Identity.EditorPluginVersion,
		UserAgent:           cfg.Identity.UserAgent,
		APIVersion:          cfg.Identity.APIVersion,
		Organization:        cfg.Identity.Organization,
		IntegrationID:       cfg.Identity.IntegrationID,
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Broker exposes the credential cache, mainly for health reporting.
func (s *Server) Broker() *credential.Broker {
	return s.broker
}

// Addr is the address actually bound by Run, which differs from the
// configured one after a port fallback.
func (s *Server) Addr() string {
	if v, ok := s.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Run serves until ctx is cancelled, then drains in-flight /v1/ requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Email:      s.cfg.TLS.Email,
		}
		httpsSrv := s.httpServer
		httpsSrv.Addr = ":443"
		httpsSrv.TLSConfig = &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.addr.Store(httpsSrv.Addr)

		go func() {
			log.Info("http challenge/redirect listening", "addr", httpChallenge.Addr)
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			log.Info("https listening", "addr", httpsSrv.Addr, "domain", s.cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		err := waitForStop(ctx, errCh)
		s.shutdown(httpChallenge, httpsSrv)
		return err
	}

	ln, err := listenWithFallback(s.cfg.ListenAddr, s.cfg.PortFallback)
	if err != nil {
		return err
	}
	s.addr.Store(ln.Addr().String())
	go func() {
		log.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	err = waitForStop(ctx, errCh)
	s.shutdown(s.httpServer)
	return err
}

func waitForStop(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.waitForIdle(drainCtx)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeRequests.Load()
		if active <= 0 {
			log.Info("shutdown: gateway idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			log.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			log.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

// listenWithFallback binds addr, walking up to successive ports while the
// requested one is taken and fallback is enabled.
func listenWithFallback(addr string, fallback bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil || !fallback || !errors.Is(err, syscall.EADDRINUSE) {
		return ln, err
	}
	host, portRaw, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	port, convErr := strconv.Atoi(portRaw)
	if convErr != nil || port == 0 {
		return nil, err
	}
	firstErr := err
	for i := 1; i <= portFallbackAttempts && port+i <= 65535; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err = net.Listen("tcp", candidate)
		if err == nil {
			log.Warn("port in use, listening on fallback", "requested", addr, "addr", candidate)
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free port after %d attempts: %w", portFallbackAttempts, firstErr)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}
