// Package supervisor runs Kestrel's long-lived services under a suture tree.
//
// The tree has three layers so a failure in one does not restart the others:
//
//	kestrel
//	├── core        worker cluster, bus consumers, alert publisher
//	├── durability  checkpointer
//	└── api         HTTP server
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Tree is the Kestrel supervisor hierarchy.
type Tree struct {
	root       *suture.Supervisor
	core       *suture.Supervisor
	durability *suture.Supervisor
	api        *suture.Supervisor
	config     domain.SupervisorConfig
}

// NewTree builds the hierarchy. Zero config values fall back to suture's defaults.
func NewTree(logger *slog.Logger, cfg domain.SupervisorConfig) *Tree {
	def := domain.DefaultConfig().Supervisor
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()

	t := &Tree{
		root:       suture.New("kestrel", rootSpec),
		core:       suture.New("core", childSpec),
		durability: suture.New("durability", childSpec),
		api:        suture.New("api", childSpec),
		config:     cfg,
	}
	t.root.Add(t.core)
	t.root.Add(t.durability)
	t.root.Add(t.api)
	return t
}

// AddCore adds a service to the core layer.
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken {
	return t.core.Add(svc)
}

// AddDurability adds a service to the durability layer.
func (t *Tree) AddDurability(svc suture.Service) suture.ServiceToken {
	return t.durability.Add(svc)
}

// AddAPI adds a service to the api layer.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns its exit channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// ShutdownTimeout is the per-service stop deadline.
func (t *Tree) ShutdownTimeout() time.Duration {
	return t.config.ShutdownTimeout
}
