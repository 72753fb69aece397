// Package scheduler decides which broker connections to sync on each
// tick and fans them out to the sync engine under short-lived leases.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/observability"
	"broker-sync-lab/internal/storage"
)

// ErrLeaseHeld is returned by SyncNow when another worker holds the
// connection's sync lease.
var ErrLeaseHeld = errors.New("sync lease held by another worker")

// Engine runs one sync cycle for one connection. *syncer.Engine
// satisfies it.
type Engine interface {
	SyncConnection(ctx context.Context, conn *domain.Connection) error
}

// Options configures a Scheduler.
type Options struct {
	Engine      Engine
	Connections storage.ConnectionStore

	// TierIntervals maps subscription tier to its minimum sync
	// interval. Defaults to domain.DefaultTierIntervals.
	TierIntervals map[string]time.Duration

	// ActivityWindow separates active connections (broker activity
	// within the window) from warm ones. Default 24h.
	ActivityWindow time.Duration

	// WarmMinInterval floors the interval for warm connections so
	// idle accounts do not burn pollings. Default 30m.
	WarmMinInterval time.Duration

	ActiveLimit int // default 50
	WarmLimit   int // default 20

	// LeaseTTL bounds how long a claimed connection stays exclusive.
	// Default 5m; must exceed the slowest plausible cycle.
	LeaseTTL time.Duration

	Logger  *log.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// TickResult reports what one tick did.
type TickResult struct {
	Due       int
	Claimed   []string
	Succeeded []string
	Failed    []string
}

// Scheduler owns the due query, tier filtering and lease bookkeeping.
// The engine never touches connection status on failure; the scheduler
// records errors and always releases the lease.
type Scheduler struct {
	engine      Engine
	connections storage.ConnectionStore

	tierIntervals   map[string]time.Duration
	activityWindow  time.Duration
	warmMinInterval time.Duration
	activeLimit     int
	warmLimit       int
	leaseTTL        time.Duration
	owner           string

	logger  *log.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewScheduler validates opts and builds a Scheduler with a unique
// lease owner id.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, errors.New("scheduler: Engine is required")
	}
	if opts.Connections == nil {
		return nil, errors.New("scheduler: Connections is required")
	}
	if opts.TierIntervals == nil {
		opts.TierIntervals = domain.DefaultTierIntervals
	}
	if opts.ActivityWindow <= 0 {
		opts.ActivityWindow = 24 * time.Hour
	}
	if opts.WarmMinInterval <= 0 {
		opts.WarmMinInterval = 30 * time.Minute
	}
	if opts.ActiveLimit <= 0 {
		opts.ActiveLimit = 50
	}
	if opts.WarmLimit <= 0 {
		opts.WarmLimit = 20
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		engine:          opts.Engine,
		connections:     opts.Connections,
		tierIntervals:   opts.TierIntervals,
		activityWindow:  opts.ActivityWindow,
		warmMinInterval: opts.WarmMinInterval,
		activeLimit:     opts.ActiveLimit,
		warmLimit:       opts.WarmLimit,
		leaseTTL:        opts.LeaseTTL,
		owner:           "scheduler-" + uuid.NewString(),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
	}, nil
}

// Owner returns the lease owner id carried on every claim.
func (s *Scheduler) Owner() string {
	return s.owner
}

// Tick runs one scheduling pass: query due connections in both tiers,
// filter by the authoritative tier interval, claim leases and run the
// engine on the claimed subset sequentially.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	nowMs := s.now().UnixMilli()
	windowMs := s.activityWindow.Milliseconds()

	// The store queries use the coarsest interval that cannot miss a
	// due row; the per-tier filter below is authoritative.
	active, err := s.connections.ListActiveDue(ctx, nowMs, windowMs, s.minTierInterval().Milliseconds(), s.activeLimit)
	if err != nil {
		return nil, fmt.Errorf("list active due: %w", err)
	}
	warm, err := s.connections.ListWarmDue(ctx, nowMs, windowMs, s.warmMinInterval.Milliseconds(), s.warmLimit)
	if err != nil {
		return nil, fmt.Errorf("list warm due: %w", err)
	}

	due := s.filterDue(mergeCandidates(active, warm), nowMs, windowMs)
	result := &TickResult{Due: len(due)}
	if s.metrics != nil {
		s.metrics.ConnectionsDue.Set(float64(len(due)))
	}
	if len(due) == 0 {
		return result, nil
	}

	ids := make([]string, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	claimed, err := s.connections.ClaimLeases(ctx, ids, s.owner, nowMs+s.leaseTTL.Milliseconds(), nowMs)
	if err != nil {
		return nil, fmt.Errorf("claim leases: %w", err)
	}
	result.Claimed = claimed
	if s.metrics != nil {
		s.metrics.LeasesClaimed.Add(float64(len(claimed)))
		s.metrics.LeasesContended.Add(float64(len(due) - len(claimed)))
	}

	claimedSet := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}
	for _, conn := range due {
		if !claimedSet[conn.ID] {
			continue
		}
		if err := s.runOne(ctx, conn); err != nil {
			result.Failed = append(result.Failed, conn.ID)
			continue
		}
		result.Succeeded = append(result.Succeeded, conn.ID)
	}
	return result, nil
}

// SyncNow claims a single connection out of band and syncs it
// immediately. Returns ErrLeaseHeld when a tick (or another worker)
// already owns it.
func (s *Scheduler) SyncNow(ctx context.Context, connectionID string) error {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return err
	}
	nowMs := s.now().UnixMilli()
	claimed, err := s.connections.ClaimLeases(ctx, []string{conn.ID}, s.owner, nowMs+s.leaseTTL.Milliseconds(), nowMs)
	if err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	if len(claimed) == 0 {
		return fmt.Errorf("connection %s: %w", conn.ID, ErrLeaseHeld)
	}
	return s.runOne(ctx, conn)
}

// runOne executes the engine under the already-claimed lease. The
// lease is released on every path; failures are recorded here because
// the engine itself never writes error state.
func (s *Scheduler) runOne(ctx context.Context, conn *domain.Connection) error {
	syncErr := s.engine.SyncConnection(ctx, conn)

	if syncErr != nil {
		s.logger.Printf("scheduler: sync %s failed: %v", conn.ID, syncErr)
		if markErr := s.connections.MarkError(ctx, conn.ID, syncErr.Error(), s.now().UnixMilli()); markErr != nil {
			s.logger.Printf("scheduler: mark error %s failed: %v", conn.ID, markErr)
		}
	}
	if releaseErr := s.connections.ReleaseLease(ctx, conn.ID, s.owner); releaseErr != nil {
		s.logger.Printf("scheduler: release lease %s failed: %v", conn.ID, releaseErr)
	}

	if s.metrics != nil {
		status := "success"
		if syncErr != nil {
			status = "error"
		}
		s.metrics.SyncCyclesTotal.WithLabelValues(status).Inc()
	}
	return syncErr
}

// filterDue applies the authoritative tier interval. Warm connections
// additionally respect the warm floor so an idle pro account does not
// poll every minute forever.
func (s *Scheduler) filterDue(candidates []*domain.Connection, nowMs, windowMs int64) []*domain.Connection {
	due := make([]*domain.Connection, 0, len(candidates))
	for _, c := range candidates {
		interval := s.tierInterval(c.SubscriptionTier)
		warm := c.LastBrokerActivity == 0 || nowMs-c.LastBrokerActivity > windowMs
		if warm && s.warmMinInterval > interval {
			interval = s.warmMinInterval
		}
		if c.LastSyncAt == 0 || nowMs-c.LastSyncAt >= interval.Milliseconds() {
			due = append(due, c)
		}
	}
	return due
}

func (s *Scheduler) tierInterval(tier string) time.Duration {
	if d, ok := s.tierIntervals[tier]; ok {
		return d
	}
	return s.tierIntervals[domain.TierFree]
}

func (s *Scheduler) minTierInterval() time.Duration {
	min := time.Duration(0)
	for _, d := range s.tierIntervals {
		if min == 0 || d < min {
			min = d
		}
	}
	if min == 0 {
		min = time.Minute
	}
	return min
}

// mergeCandidates joins both tiers, drops duplicates by id and orders
// by lastSyncAt ascending so the most starved connections go first.
func mergeCandidates(active, warm []*domain.Connection) []*domain.Connection {
	seen := make(map[string]bool, len(active)+len(warm))
	merged := make([]*domain.Connection, 0, len(active)+len(warm))
	for _, c := range append(append([]*domain.Connection{}, active...), warm...) {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		merged = append(merged, c)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LastSyncAt < merged[j].LastSyncAt
	})
	return merged
}
