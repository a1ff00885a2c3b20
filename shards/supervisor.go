package shards

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	boterrors "github.com/vinayprograms/overbot/errors"
	"github.com/vinayprograms/overbot/gateway"
	"github.com/vinayprograms/overbot/logging"
	"github.com/vinayprograms/overbot/shutdown"
	"github.com/vinayprograms/overbot/telemetry"
)

// Supervisor errors.
var (
	ErrNoTrigger      = errors.New("shards: no shutdown trigger")
	ErrInvalidConfig  = errors.New("shards: invalid configuration")
	ErrAlreadyStarted = errors.New("shards: supervisor already started")
)

// ShardQuery reports how many shards the gateway recommends.
type ShardQuery interface {
	RecommendedShards(ctx context.Context) (int, error)
}

// ShardQueryFunc adapts a function to ShardQuery.
type ShardQueryFunc func(ctx context.Context) (int, error)

// RecommendedShards calls f.
func (f ShardQueryFunc) RecommendedShards(ctx context.Context) (int, error) {
	return f(ctx)
}

// Config configures a Supervisor.
type Config struct {
	// Query is asked once per Run for the shard total. Required unless
	// TotalOverride is set.
	Query ShardQuery

	// TotalOverride fixes the shard total and skips Query.
	TotalOverride int

	Connector  gateway.Connector
	Cache      EventCache
	Dispatcher Dispatcher
	Trigger    *shutdown.Trigger

	// CloseTimeout bounds the close handshake after shutdown. Zero waits
	// for the remote indefinitely.
	CloseTimeout time.Duration

	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Journal telemetry.Exporter
}

// Report aggregates one Run.
type Report struct {
	Total    int           `json:"total"`
	Outcomes []Outcome     `json:"outcomes"`
	Duration time.Duration `json:"duration"`
}

// Failed returns the outcomes that ended with an error.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins every shard error, or nil when all shards ended cleanly.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

// ShardStatus is a live view of one shard.
type ShardStatus struct {
	Shard  gateway.ShardID `json:"shard"`
	State  State           `json:"state"`
	Events int64           `json:"events"`
}

// Supervisor runs and joins the shard fleet.
type Supervisor struct {
	config  Config
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	journal telemetry.Exporter

	mu      sync.RWMutex
	started bool
	loops   []*shardLoop
}

// NewSupervisor validates cfg and creates a Supervisor.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Query == nil && cfg.TotalOverride <= 0 {
		return nil, fmt.Errorf("%w: shard query or total override required", ErrInvalidConfig)
	}
	if cfg.TotalOverride < 0 {
		return nil, fmt.Errorf("%w: negative total override", ErrInvalidConfig)
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("%w: connector required", ErrInvalidConfig)
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("%w: cache required", ErrInvalidConfig)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher required", ErrInvalidConfig)
	}
	if cfg.CloseTimeout < 0 {
		return nil, fmt.Errorf("%w: negative close timeout", ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	journal := cfg.Journal
	if journal == nil {
		journal = telemetry.NewNoopExporter()
	}

	return &Supervisor{
		config:  cfg,
		logger:  logger.WithComponent("shards"),
		tracer:  tracer,
		journal: journal,
	}, nil
}

// Run starts one loop per recommended shard and waits for all of them.
// Shard errors are logged and reported in the Report; they do not fail Run.
// Run fails only when the fleet cannot be set up.
func (s *Supervisor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	trigger := s.config.Trigger
	if trigger == nil {
		return nil, ErrNoTrigger
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	// Bookkeeping subscription: skips spawning when shutdown already fired.
	watch := trigger.Subscribe()
	defer watch.Close()

	total, err := s.total(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Total: total, Outcomes: make([]Outcome, total)}

	select {
	case <-watch.C():
		s.logger.Info("fleet_skipped", map[string]interface{}{"reason": "shutdown already requested"})
		for i, id := range gateway.Fleet(total) {
			report.Outcomes[i] = Outcome{Shard: id, State: StateClosed}
		}
		report.Duration = time.Since(start)
		return report, nil
	default:
	}

	ids := gateway.Fleet(total)
	loops := make([]*shardLoop, total)
	for i, id := range ids {
		loops[i] = &shardLoop{
			id:           id,
			connector:    s.config.Connector,
			cache:        s.config.Cache,
			dispatcher:   s.config.Dispatcher,
			obs:          trigger.Subscribe(),
			logger:       s.logger,
			tracer:       s.tracer,
			closeTimeout: s.config.CloseTimeout,
		}
	}
	s.mu.Lock()
	s.loops = loops
	s.mu.Unlock()

	s.logger.Info("fleet_starting", map[string]interface{}{"total": total})

	var g errgroup.Group
	for i, loop := range loops {
		g.Go(func() error {
			defer loop.obs.Close()
			out := loop.run(ctx)
			report.Outcomes[i] = out

			s.logger.ShardOutcome(out.Shard.String(), out.Events, out.Duration, out.Err)
			data := map[string]interface{}{
				"shard":      out.Shard.String(),
				"events":     out.Events,
				"close_sent": out.CloseSent,
			}
			if out.Err != nil {
				data["error"] = out.Err.Error()
			}
			s.journal.LogEvent(telemetry.EventShardJoined, data)
			return nil
		})
	}
	g.Wait()

	report.Duration = time.Since(start)
	s.logger.Info("fleet_joined", map[string]interface{}{
		"total":    total,
		"failed":   len(report.Failed()),
		"duration": report.Duration.String(),
	})
	return report, nil
}

// total resolves the shard count once.
func (s *Supervisor) total(ctx context.Context) (int, error) {
	if s.config.TotalOverride > 0 {
		return s.config.TotalOverride, nil
	}
	total, err := s.config.Query.RecommendedShards(ctx)
	if err != nil {
		return 0, boterrors.WrapWithCode(err, boterrors.ErrCodeGatewayQuery, "query recommended shards")
	}
	if total < 1 {
		return 0, boterrors.Newf(boterrors.ErrCodeGatewayQuery, "recommended shard count %d is below 1", total)
	}
	return total, nil
}

// Status returns the live state of every shard, ordered by shard number.
// It is empty until Run has spawned the fleet.
func (s *Supervisor) Status() []ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := make([]ShardStatus, len(s.loops))
	for i, l := range s.loops {
		status[i] = ShardStatus{Shard: l.id, State: l.State(), Events: l.events.Load()}
	}
	return status
}
