// Package coordinator — coordinator.go
//
// Composition root. One Coordinator owns every subsystem; nothing in this
// repository is a package-level singleton. Construction wires the cyclic
// references explicitly: the control engine receives the serial link, the
// state store holds only opaque subscriber callbacks.
//
// Startup sequence (New):
//  1. Open SQLite storage (failure is fatal).
//  2. Build the state store over the storage sink; seed persisted contacts.
//  3. Construct the serial link and the fleet manager (seeded with persisted
//     worker classifications); bind the fleet TCP listener (failure is fatal).
//  4. Construct the discovery beacon, vision pipeline, control engine, and
//     API server.
//  5. Bind the API listener (failure is fatal).
//
// Shutdown sequence (Run, after ctx cancels), each stage given 2 s:
//  1. API server        — stop accepting, drain handlers.
//  2. WS broadcaster    — close dashboard clients.
//  3. Control engine    — unsubscribe, stop GSM waits.
//  4. Vision pipeline   — stop camera loops.
//  5. Worker fleet      — close listener, close sessions, fire every
//     pending completion signal with an empty result.
//  6. Serial link       — close the port.
//  7. Storage           — close the database.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexora/modevac/internal/api"
	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/control"
	"github.com/nexora/modevac/internal/fleet"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/sensor"
	"github.com/nexora/modevac/internal/state"
	"github.com/nexora/modevac/internal/storage"
	"github.com/nexora/modevac/internal/vision"
)

const stageStopTimeout = 2 * time.Second

// Coordinator owns all subsystems of the process.
type Coordinator struct {
	cfg *config.Config
	log *zap.Logger

	db       *storage.DB
	settings *config.SettingsStore
	store    *state.Store
	metrics  *observability.Metrics

	link      *sensor.Link
	fleetMgr  *fleet.Manager
	announcer *fleet.Announcer
	pipeline  *vision.Pipeline
	engine    *control.Engine

	apiSrv  *api.Server
	httpSrv *http.Server
	httpLis net.Listener
}

// New constructs and wires every subsystem. Any returned error is fatal:
// persistence open, fleet bind, or API bind failed.
func New(cfg *config.Config, log *zap.Logger) (*Coordinator, error) {
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(db, log.Named("state"))
	if contacts, err := db.LoadContacts(); err != nil {
		log.Warn("contact load failed, starting with empty set", zap.Error(err))
	} else {
		store.SeedContacts(contacts)
	}

	metrics := observability.NewMetrics()
	settings := config.LoadSettings(cfg.Storage.SettingsPath)

	link := sensor.NewLink(cfg.Serial, store, sensor.OpenConfigured(cfg.Serial), log.Named("sensor"))

	fleetMgr := fleet.NewManager(cfg.Fleet, store, metrics, log.Named("fleet"))
	if classifications, err := db.WorkerClassifications(); err != nil {
		log.Warn("classification load failed", zap.Error(err))
	} else {
		fleetMgr.SeedClassifications(classifications)
	}
	if err := fleetMgr.Listen(); err != nil {
		_ = db.Close()
		return nil, err
	}
	announcer := fleet.NewAnnouncer(cfg.Fleet, cfg.SystemTag, log.Named("discovery"))

	var detector vision.Detector
	if cfg.Vision.DetectorURL != "" {
		detector = vision.NewHTTPDetector(cfg.Vision.DetectorURL)
	} else {
		log.Warn("no detector configured, local inference disabled")
	}
	pipeline := vision.NewPipeline(cfg.Vision, store, fleetMgr, detector, nil, metrics, log.Named("vision"))

	engine := control.NewEngine(cfg.Control, store, link, metrics, log.Named("control"))

	apiSrv := api.NewServer(store, engine, fleetMgr, pipeline, db, settings, metrics, log.Named("api"))

	httpLis, err := net.Listen("tcp", cfg.API.ListenAddr)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("coordinator: bind API on %s: %w", cfg.API.ListenAddr, err)
	}

	return &Coordinator{
		cfg:       cfg,
		log:       log,
		db:        db,
		settings:  settings,
		store:     store,
		metrics:   metrics,
		link:      link,
		fleetMgr:  fleetMgr,
		announcer: announcer,
		pipeline:  pipeline,
		engine:    engine,
		apiSrv:    apiSrv,
		httpSrv:   &http.Server{Handler: apiSrv.Router()},
		httpLis:   httpLis,
	}, nil
}

// Store exposes the state store (tests and tooling).
func (c *Coordinator) Store() *state.Store { return c.store }

// stage is one running subsystem with its own stop signal.
type stage struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

func launch(name string, fn func(context.Context)) *stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stage{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		fn(ctx)
	}()
	return s
}

// stop cancels a stage and waits for it, bounded by the stage timeout.
func (c *Coordinator) stop(s *stage) {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(stageStopTimeout):
		c.log.Warn("stage stop timed out", zap.String("stage", s.name))
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or the API
// server fails, then shuts down in order.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("coordinator starting",
		zap.String("api", c.cfg.API.ListenAddr),
		zap.Int("fleet_port", c.cfg.Fleet.TCPPort),
		zap.Int("discovery_port", c.cfg.Fleet.DiscoveryPort),
		zap.String("access_code", c.store.AccessCode()))

	serial := launch("serial", c.link.Run)
	fleetStage := launch("fleet", func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { c.fleetMgr.Run(gctx); return nil })
		g.Go(func() error { c.announcer.Run(gctx); return nil })
		_ = g.Wait()
	})
	visionStage := launch("vision", c.pipeline.Run)
	controlStage := launch("control", c.engine.Run)
	broadcaster := launch("broadcaster", c.apiSrv.Hub().Broadcast)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- c.httpSrv.Serve(c.httpLis)
	}()

	var fatal error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal = fmt.Errorf("coordinator: API server failed: %w", err)
			c.log.Error("API server failed", zap.Error(err))
		}
	}

	c.log.Info("coordinator shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stageStopTimeout)
	_ = c.httpSrv.Shutdown(shutdownCtx)
	cancel()

	c.stop(broadcaster)
	c.stop(controlStage)
	c.stop(visionStage)
	c.stop(fleetStage)
	c.stop(serial)

	if err := c.db.Close(); err != nil {
		c.log.Warn("storage close failed", zap.Error(err))
	}

	c.log.Info("coordinator stopped")
	return fatal
}
