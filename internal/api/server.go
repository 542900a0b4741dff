package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/harborglow/hashlab/internal/alerts"
	"github.com/harborglow/hashlab/internal/collector"
	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/metrics"
	"github.com/harborglow/hashlab/internal/pool"
	"github.com/harborglow/hashlab/internal/pricing"
	"github.com/harborglow/hashlab/internal/scanner"
	"github.com/harborglow/hashlab/internal/storage"
)

// Deps are the collaborators the server routes to. Pool, Mapping, Pricing,
// Alerts, Metrics and Scanner may be nil; their endpoints then report the
// feature as unavailable.
type Deps struct {
	Config  *config.Config
	Fleet   *config.FleetStore
	History storage.HistoryStore
	Poller  collector.SnapshotPoller
	Sampler *collector.Sampler
	Pool    *pool.Service
	Mapping *pool.MappingStore
	Pricing *pricing.PriceService
	Alerts  *alerts.Engine
	Metrics *metrics.Metrics
	Scanner *scanner.Scanner
}

// Server represents the HTTP API server
type Server struct {
	cfg     *config.Config
	fleet   *config.FleetStore
	history storage.HistoryStore
	poller  collector.SnapshotPoller
	sampler *collector.Sampler
	pool    *pool.Service
	mapping *pool.MappingStore
	pricing *pricing.PriceService
	alerts  *alerts.Engine
	metrics *metrics.Metrics
	scanner *scanner.Scanner
	auth    *authenticator
	hub     *WebSocketHub
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(d Deps) (*Server, error) {
	auth, err := newAuthenticator(d.Config.Auth)
	if err != nil {
		return nil, err
	}
	var counter ClientCounter
	if d.Metrics != nil {
		counter = d.Metrics
	}
	return &Server{
		cfg:     d.Config,
		fleet:   d.Fleet,
		history: d.History,
		poller:  d.Poller,
		sampler: d.Sampler,
		pool:    d.Pool,
		mapping: d.Mapping,
		pricing: d.Pricing,
		alerts:  d.Alerts,
		metrics: d.Metrics,
		scanner: d.Scanner,
		auth:    auth,
		hub:     NewWebSocketHub(counter),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.requireAuth)

			// Miners
			r.Get("/miners", s.handleGetMiners)
			r.Post("/miners", s.handleAddMiner)
			r.Delete("/miners/{name}", s.handleRemoveMiner)

			// Live data
			r.Get("/fleet", s.handleGetFleet)
			r.Post("/history/log", s.handleLogHistory)

			// History and analysis
			r.Get("/history", s.handleGetHistory)
			r.Get("/analysis", s.handleGetAnalysis)

			// Pool
			r.Get("/pool", s.handleGetPool)
			r.Get("/pool/mapping", s.handleGetPoolMapping)
			r.Put("/pool/mapping", s.handlePutPoolMapping)

			// Assistant
			r.Get("/assistant", s.handleAssistant)
			r.Post("/assistant", s.handleAssistant)
			r.Get("/tuning", s.handleGetTuning)
			r.Post("/tuning", s.handlePostTuning)

			// Pricing
			r.Get("/price", s.handleGetPrice)

			// Alerts
			r.Post("/alerts/test", s.handleTestAlert)

			// Network scan
			r.Post("/scan", s.handleScan)

			// WebSocket
			r.Get("/ws", s.handleWebSocket)
		})
	})

	r.Get("/*", s.handleStatic)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	go s.hub.Run()
	if s.sampler != nil {
		go s.forwardEvents()
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.Seconds(s.cfg.Server.ReadTimeoutSeconds),
		WriteTimeout: config.Seconds(s.cfg.Server.WriteTimeoutSeconds),
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forwardEvents fans sampler snapshots out to alerts and WebSocket clients.
// Metrics are fed by the poller itself.
func (s *Server) forwardEvents() {
	for snap := range s.sampler.SnapshotChan {
		s.handleSnapshot(snap)
	}
}

func (s *Server) handleSnapshot(snap *storage.FleetSnapshot) {
	if snap == nil {
		return
	}
	if s.alerts != nil {
		s.alerts.CheckSnapshot(snap)
	}
	s.hub.Broadcast(Message{Type: "snapshot", Data: snap})
}
