// Package maintenance runs the gateway's housekeeping cron jobs: flow history
// retention and the stale-flow report.
//
// The stale-flow report only observes. A pending flow has no timeout, so a
// slot held past the threshold is logged and exported as a gauge but never
// cancelled.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/flowgate/internal/config"
	"github.com/jkaninda/flowgate/internal/flow"
)

// Job names, used in logs and metrics.
const (
	JobPruneHistory = "prune_history"
	JobStaleFlows   = "stale_flows"
)

// PendingSource exposes the pending slot of one gateway.
// *flow.Gateway satisfies it.
type PendingSource interface {
	Name() string
	Pending() (flow.PendingInfo, bool)
}

// Pruner deletes history older than a cutoff. storage.HistoryStore satisfies it.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Gauges receives job results. *observability.MetricsCollector satisfies it.
type Gauges interface {
	SetStale(gateway string, stale bool)
	HistoryPruned(n int64)
}

// StaleFlow is a pending flow held longer than the configured threshold.
type StaleFlow struct {
	flow.PendingInfo
	Age time.Duration `json:"age"`
}

// Scheduler owns the maintenance cron.
type Scheduler struct {
	cron       *cron.Cron
	pruner     Pruner
	gateways   []PendingSource
	retention  time.Duration
	staleAfter time.Duration
	gauges     Gauges
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Scheduler and registers its jobs. pruner may be nil when
// history is disabled; the prune job is then not scheduled.
func New(
	cfg *config.MaintenanceConfig,
	retention time.Duration,
	pruner Pruner,
	gateways []PendingSource,
	gauges Gauges,
	metrics *Metrics,
	logger *slog.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		pruner:     pruner,
		gateways:   gateways,
		retention:  retention,
		staleAfter: cfg.StaleAfter(),
		gauges:     gauges,
		metrics:    metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if pruner != nil {
		if _, err := s.cron.AddFunc(cfg.Prune(), s.runPrune); err != nil {
			return nil, fmt.Errorf("scheduling %s %q: %w", JobPruneHistory, cfg.Prune(), err)
		}
	}
	if _, err := s.cron.AddFunc(cfg.StaleCheck(), s.runStale); err != nil {
		return nil, fmt.Errorf("scheduling %s %q: %w", JobStaleFlows, cfg.StaleCheck(), err)
	}
	return s, nil
}

// Start runs the cron in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("stale_after", s.staleAfter.String()),
	)
}

// Stop stops the cron and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info("maintenance scheduler stopped")
}

// PruneHistory deletes records older than the retention window.
func (s *Scheduler) PruneHistory(ctx context.Context) (int64, error) {
	if s.pruner == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	n, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if s.gauges != nil {
		s.gauges.HistoryPruned(n)
	}
	if n > 0 {
		s.logger.Info("flow history pruned",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// StaleFlows reports every gateway whose pending flow is older than the
// threshold and updates the stale gauge for all gateways.
func (s *Scheduler) StaleFlows() []StaleFlow {
	now := s.now()
	var stale []StaleFlow
	for _, g := range s.gateways {
		info, ok := g.Pending()
		isStale := ok && now.Sub(info.StartedAt) > s.staleAfter
		if s.gauges != nil {
			s.gauges.SetStale(g.Name(), isStale)
		}
		if !isStale {
			continue
		}
		sf := StaleFlow{PendingInfo: info, Age: now.Sub(info.StartedAt)}
		stale = append(stale, sf)
		s.logger.Warn("flow pending longer than threshold",
			slog.String("gateway", g.Name()),
			slog.String("flow_id", info.FlowID),
			slog.String("method", info.Method),
			slog.String("container_id", info.ContainerID),
			slog.Duration("age", sf.Age),
		)
	}
	return stale
}

func (s *Scheduler) runPrune() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, err := s.PruneHistory(ctx)
	if err != nil {
		s.logger.Error("pruning flow history", slog.String("error", err.Error()))
	}
	s.metrics.observe(JobPruneHistory, time.Since(start).Seconds(), err)
}

func (s *Scheduler) runStale() {
	start := time.Now()
	s.StaleFlows()
	s.metrics.observe(JobStaleFlows, time.Since(start).Seconds(), nil)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
