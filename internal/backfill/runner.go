// Package backfill fills deep candle history for one instrument,
// walking backwards in bounded chunks so a failed fetch never loses
// completed work.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/observability"
	"broker-sync-lab/internal/pricepool"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

const (
	// DefaultChunkDelay spaces out history calls between chunks.
	DefaultChunkDelay = 400 * time.Millisecond
	// DefaultChunkSpan is how much history one chunk covers.
	DefaultChunkSpan = 24 * time.Hour

	minuteMs = int64(60_000)
	dayMs    = int64(24 * 3600 * 1000)
)

// resolutions the gateway may expose for minute candles, tried in
// order.
var resolutions = []string{"1", "1m"}

// Options configures a Runner.
type Options struct {
	API pricepool.BrokerAPI

	Jobs        storage.BackfillJobStore
	Bars        storage.BarStore
	Policies    storage.AccountPolicyStore
	AccountRows storage.AccountRowStore
	Connections storage.ConnectionStore

	Codec *vault.Codec

	ChunkDelay time.Duration
	ChunkSpan  time.Duration

	Logger  *log.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	Sleep   func(time.Duration)
}

// Runner executes backfill jobs chunk by chunk.
type Runner struct {
	api         pricepool.BrokerAPI
	jobs        storage.BackfillJobStore
	bars        storage.BarStore
	policies    storage.AccountPolicyStore
	accountRows storage.AccountRowStore
	connections storage.ConnectionStore
	codec       *vault.Codec

	chunkDelay time.Duration
	chunkSpan  time.Duration

	logger  *log.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewRunner validates opts and builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.API == nil {
		return nil, errors.New("backfill: API is required")
	}
	if opts.Jobs == nil || opts.Bars == nil || opts.Policies == nil ||
		opts.AccountRows == nil || opts.Connections == nil {
		return nil, errors.New("backfill: all stores are required")
	}
	if opts.Codec == nil {
		return nil, errors.New("backfill: Codec is required")
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = DefaultChunkDelay
	}
	if opts.ChunkSpan <= 0 {
		opts.ChunkSpan = DefaultChunkSpan
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Runner{
		api:         opts.API,
		jobs:        opts.Jobs,
		bars:        opts.Bars,
		policies:    opts.Policies,
		accountRows: opts.AccountRows,
		connections: opts.Connections,
		codec:       opts.Codec,
		chunkDelay:  opts.ChunkDelay,
		chunkSpan:   opts.ChunkSpan,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		sleep:       opts.Sleep,
	}, nil
}

// Run drives one job to completion (or failure). A failed job keeps
// its progress; calling Run again resumes where it stopped.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == domain.JobDone {
		return nil
	}

	job.Status = domain.JobRunning
	job.LastError = ""
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	r.log(ctx, job.ID, "start", fmt.Sprintf("backfilling %s %s, lookback %dd", job.SourceKey, job.Symbol, job.LookbackDays))

	session, err := r.resolveSession(ctx, job)
	if err != nil {
		return r.fail(ctx, job, "resolve_account", err)
	}

	for chunk := 1; ; chunk++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, job, "canceled", err)
		}
		done, err := r.runChunk(ctx, job, session, chunk)
		if err != nil {
			return r.fail(ctx, job, "fetch_chunk", err)
		}
		if done {
			break
		}
		r.sleep(r.chunkDelay)
	}

	job.Status = domain.JobDone
	job.UpdatedAt = r.now().UnixMilli()
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	r.log(ctx, job.ID, "done", fmt.Sprintf("%d bars inserted in total", job.BarsInserted))
	return nil
}

// session is the resolved broker access for one job run.
type session struct {
	baseURL     string
	accessToken string
	accNum      string
	accountID   string
	routeID     string
}

// resolveSession picks a platform pool account for the job's venue and
// resolves (or reuses) the instrument's info route.
func (r *Runner) resolveSession(ctx context.Context, job *domain.BackfillJob) (*session, error) {
	policies, err := r.policies.ListEnabledBySourceKey(ctx, job.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("list pool accounts: %w", err)
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("no enabled pool accounts for %s", job.SourceKey)
	}
	row, err := r.accountRows.GetByID(ctx, policies[0].AccountRowID)
	if err != nil {
		return nil, fmt.Errorf("load account row: %w", err)
	}
	conn, err := r.connections.GetByID(ctx, row.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn.SourceKey() != job.SourceKey {
		return nil, fmt.Errorf("account %s serves %s, job wants %s", row.ID, conn.SourceKey(), job.SourceKey)
	}
	accessToken, err := r.codec.Open(conn.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}

	s := &session{
		baseURL:     tradelocker.BaseURL(string(conn.Environment), conn.JWTHost),
		accessToken: accessToken,
		accNum:      row.AccNum,
		accountID:   row.AccountID,
		routeID:     job.InfoRouteID,
	}
	if s.routeID == "" {
		s.routeID, err = r.api.ResolveInfoRouteID(ctx, s.baseURL, s.accessToken, s.accNum, s.accountID, job.InstrumentID)
		if err != nil {
			return nil, fmt.Errorf("resolve info route: %w", err)
		}
		job.InfoRouteID = s.routeID
		if err := r.jobs.Update(ctx, job); err != nil {
			return nil, fmt.Errorf("cache route id: %w", err)
		}
		r.log(ctx, job.ID, "resolve_route", "info route "+s.routeID)
	}
	r.log(ctx, job.ID, "resolve_account", fmt.Sprintf("using pool account %s", row.AccountID))
	return s, nil
}

// runChunk fetches and stores one chunk from the top of the remaining
// window. Returns done=true when nothing remains.
func (r *Runner) runChunk(ctx context.Context, job *domain.BackfillJob, s *session, chunk int) (bool, error) {
	stats, err := r.bars.Stats(ctx, job.SourceKey, job.InstrumentID)
	if err != nil {
		return false, fmt.Errorf("read series stats: %w", err)
	}

	window, ok := ComputeWindow(r.now().UnixMilli(), job.LookbackDays, job.OverlapSeconds, stats)
	if !ok {
		r.log(ctx, job.ID, "window", "lookback already covered, nothing to fetch")
		return true, nil
	}

	// The cursor survives on the job row, so a venue gap (weekend,
	// holiday closure) below the cached minimum is stepped over
	// instead of read as the bottom of the venue's history.
	cursor := job.CursorToMs
	if cursor == 0 || cursor > window.ToMs {
		cursor = window.ToMs
	}
	if cursor <= window.FromMs {
		r.log(ctx, job.ID, "window", "cursor already at the lookback bound")
		return true, nil
	}
	fromMs := cursor - r.chunkSpan.Milliseconds()
	if fromMs < window.FromMs {
		fromMs = window.FromMs
	}

	bars, resolution, err := r.fetchHistory(ctx, s, job, fromMs, cursor)
	if err != nil {
		r.countChunk("error")
		return false, err
	}

	// Only rows older than what the cache already holds; the overlap
	// region re-fetches known bars purely as a seam check.
	existingMin := int64(0)
	if stats != nil && stats.Count > 0 {
		existingMin = stats.MinTs
	}
	accepted := make([]*domain.Bar, 0, len(bars))
	for _, h := range bars {
		if h.T < fromMs || h.T > cursor {
			continue
		}
		if existingMin > 0 && h.T >= existingMin {
			continue
		}
		accepted = append(accepted, &domain.Bar{
			SourceKey:    job.SourceKey,
			InstrumentID: job.InstrumentID,
			Symbol:       job.Symbol,
			TimestampMs:  h.T,
			Open:         h.O,
			High:         h.H,
			Low:          h.L,
			Close:        h.C,
			Volume:       h.V,
		})
	}

	inserted, err := r.bars.InsertBars(ctx, accepted)
	if err != nil {
		r.countChunk("error")
		return false, fmt.Errorf("insert bars: %w", err)
	}
	r.countChunk("ok")
	if r.metrics != nil {
		r.metrics.BackfillBarsInserted.Add(float64(inserted))
	}
	job.BarsInserted += int64(inserted)
	job.CursorToMs = fromMs
	job.UpdatedAt = r.now().UnixMilli()
	if err := r.jobs.Update(ctx, job); err != nil {
		return false, fmt.Errorf("persist progress: %w", err)
	}
	r.log(ctx, job.ID, "fetch_chunk", fmt.Sprintf("chunk %d [%d, %d] res=%s: %d fetched, %d inserted",
		chunk, fromMs, cursor, resolution, len(bars), inserted))

	// Done only when the cursor touches the bottom of the window. An
	// empty chunk above it keeps descending.
	if fromMs <= window.FromMs {
		return true, nil
	}
	return false, nil
}

func (r *Runner) countChunk(status string) {
	if r.metrics != nil {
		r.metrics.BackfillChunks.WithLabelValues(status).Inc()
	}
}

// fetchHistory tries the known minute-resolution spellings in order.
func (r *Runner) fetchHistory(ctx context.Context, s *session, job *domain.BackfillJob, fromMs, toMs int64) ([]tradelocker.HistoryBar, string, error) {
	var lastErr error
	for _, res := range resolutions {
		bars, err := r.api.History(ctx, s.baseURL, s.accessToken, s.accNum, s.routeID, job.InstrumentID, res, fromMs, toMs)
		if err == nil {
			return bars, res, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("fetch history [%d, %d]: %w", fromMs, toMs, lastErr)
}

// fail records the failure on the job and its log, leaving it
// resumable, then returns the cause.
func (r *Runner) fail(ctx context.Context, job *domain.BackfillJob, step string, cause error) error {
	job.Status = domain.JobFailed
	job.LastError = cause.Error()
	job.UpdatedAt = r.now().UnixMilli()
	if err := r.jobs.Update(ctx, job); err != nil {
		r.logger.Printf("backfill: persist failure on job %s failed: %v", job.ID, err)
	}
	r.log(ctx, job.ID, step, "failed: "+cause.Error())
	return cause
}

func (r *Runner) log(ctx context.Context, jobID, step, message string) {
	entry := domain.JobLogEntry{At: r.now().UnixMilli(), Step: step, Message: message}
	if err := r.jobs.AppendLog(ctx, jobID, entry); err != nil {
		r.logger.Printf("backfill: append log on job %s failed: %v", jobID, err)
	}
	r.logger.Printf("backfill %s [%s] %s", jobID, step, message)
}

// Window is a resolved backfill fetch range, both bounds inclusive of
// whole minutes.
type Window struct {
	FromMs int64
	ToMs   int64
}

// ComputeWindow decides what a backfill still owes the cache. Empty
// series get the full lookback up to the current minute; a series that
// already reaches past the lookback bound owes nothing; otherwise the
// window runs from the lookback bound up to just past the oldest
// cached bar (overlap seconds beyond it, capped at now).
func ComputeWindow(nowMs int64, lookbackDays, overlapSeconds int, stats *domain.BarStats) (Window, bool) {
	lookbackStart := nowMs - int64(lookbackDays)*dayMs
	alignedNow := nowMs / minuteMs * minuteMs

	if stats == nil || stats.Count == 0 {
		return Window{FromMs: lookbackStart, ToMs: alignedNow}, true
	}
	if stats.MinTs <= lookbackStart {
		return Window{}, false
	}
	toMs := stats.MinTs + int64(overlapSeconds)*1000
	if toMs > alignedNow {
		toMs = alignedNow
	}
	return Window{FromMs: lookbackStart, ToMs: toMs}, true
}
