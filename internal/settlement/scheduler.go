package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/lock"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/metrics"
)

// SchedulerConfig holds configuration for the settlement scheduler
type SchedulerConfig struct {
	// Interval is the cadence between batches. Runs are aligned to
	// multiples of Interval counted from midnight in Location.
	Interval time.Duration

	// Location anchors the run boundaries
	Location *time.Location

	// RunOnStart runs one batch immediately when the scheduler starts
	RunOnStart bool

	// MaxConcurrent is the maximum number of investments settled at once
	MaxConcurrent int

	// SettlementTimeout is the maximum time allowed for a single investment
	SettlementTimeout time.Duration

	// LeaseTTL bounds how long one investment lease is held
	LeaseTTL time.Duration

	// BatchLeaseTTL bounds how long the batch lease is held
	BatchLeaseTTL time.Duration

	Retry *RetryConfig
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:          12 * time.Hour,
		Location:          time.UTC,
		RunOnStart:        false,
		MaxConcurrent:     8,
		SettlementTimeout: 30 * time.Second,
		LeaseTTL:          2 * time.Minute,
		BatchLeaseTTL:     2 * time.Hour,
		Retry:             DefaultRetryConfig(),
	}
}

// Clock supplies the batch snapshot time
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock
var SystemClock Clock = ClockFunc(time.Now)

// BatchObserver is told about every finished batch
type BatchObserver interface {
	RecordBatch(result *BatchResult)
}

// Scheduler runs settlement batches across all active investments
type Scheduler struct {
	store      ledger.Store
	processor  *Processor
	locker     lock.Locker
	config     *SchedulerConfig
	clock      Clock
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	classifier *ErrorClassifier
	observers  []BatchObserver

	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	lastResult *BatchResult
	nextRun    time.Time
}

// NewScheduler creates a new settlement scheduler. A nil locker uses an
// in-process locker; a nil clock uses the wall clock.
func NewScheduler(store ledger.Store, processor *Processor, locker lock.Locker, config *SchedulerConfig,
	clock Clock, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.SettlementTimeout <= 0 {
		config.SettlementTimeout = def.SettlementTimeout
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = def.LeaseTTL
	}
	if config.BatchLeaseTTL <= 0 {
		config.BatchLeaseTTL = def.BatchLeaseTTL
	}
	if config.Retry == nil {
		config.Retry = def.Retry
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if clock == nil {
		clock = SystemClock
	}

	return &Scheduler{
		store:      store,
		processor:  processor,
		locker:     locker,
		config:     config,
		clock:      clock,
		metrics:    m,
		logger:     logging.Component(logger, "settlement_scheduler"),
		classifier: &ErrorClassifier{},
		stopChan:   make(chan struct{}),
	}
}

// AddObserver registers a batch observer. Call before Start.
func (s *Scheduler) AddObserver(o BatchObserver) {
	s.observers = append(s.observers, o)
}

// Start starts the settlement loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("settlement scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{}) // restartable
	stop := s.stopChan
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Str("location", s.config.Location.String()).
		Bool("run_on_start", s.config.RunOnStart).
		Msg("Starting settlement scheduler")

	s.wg.Add(1)
	go s.runSettlementLoop(stop)

	return nil
}

// Stop stops the loop. An in-flight batch is cancelled; investments it
// already committed stand.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("settlement scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	s.logger.Info().Msg("Settlement scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the most recent batch result, if any
func (s *Scheduler) LastResult() *BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// NextRunAt returns when the loop fires next. Zero when not running.
func (s *Scheduler) NextRunAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// NextRun returns the first boundary strictly after t. Boundaries are
// midnight in loc plus whole multiples of interval. An interval of n whole
// days fires at midnight every n-th calendar day counted from 2000-01-01.
func NextRun(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	local := t.In(loc)
	if interval > ledger.Day && interval%ledger.Day == 0 {
		n := int(interval / ledger.Day)
		// civil day number, independent of DST
		day := int(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).
			Sub(scheduleEpoch) / ledger.Day)
		next := day - ((day%n)+n)%n + n
		return time.Date(2000, time.January, 1+next, 0, 0, 0, 0, loc)
	}

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := local.Sub(midnight)
	next := midnight.Add((elapsed/interval + 1) * interval)

	// an interval that does not divide the day restarts at the next midnight
	tomorrow := midnight.AddDate(0, 0, 1)
	if next.After(tomorrow) {
		next = tomorrow
	}
	return next
}

var scheduleEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func (s *Scheduler) runSettlementLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.config.RunOnStart {
		s.runScheduled(ctx)
	}

	for {
		next := NextRun(s.clock.Now(), s.config.Interval, s.config.Location)
		s.mu.Lock()
		s.nextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.runScheduled(ctx)
		case <-stop:
			timer.Stop()
			s.mu.Lock()
			s.nextRun = time.Time{}
			s.mu.Unlock()
			s.logger.Info().Msg("Received stop signal")
			return
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if _, err := s.RunSettlementBatch(ctx, s.clock.Now()); err != nil {
		if errors.Is(err, ErrBatchInProgress) {
			s.logger.Info().Msg("Batch skipped, another instance holds the batch lease")
			return
		}
		s.logger.Error().Err(err).Msg("Settlement batch failed")
	}
}

// RunSettlementBatch settles every active investment as of now. One
// investment failing does not affect the others; only a store outage
// aborts the batch. The returned result is non-nil even on error.
func (s *Scheduler) RunSettlementBatch(ctx context.Context, now time.Time) (*BatchResult, error) {
	batchID := uuid.NewString()
	result := newBatchResult(batchID, now, time.Now())
	log := logging.BatchContext(s.logger, batchID, now)

	batchLease, err := s.locker.TryLock(ctx, "batch", s.config.BatchLeaseTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		result.Result = ResultLocked
		s.finish(log, result)
		return result, ErrBatchInProgress
	}
	if err != nil {
		result.Result = ResultAborted
		result.AbortError = err.Error()
		s.finish(log, result)
		return result, fmt.Errorf("acquire batch lease: %w", err)
	}
	defer func() {
		if err := batchLease.Release(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to release batch lease")
		}
	}()

	ids, err := s.store.ListActiveInvestments(ctx)
	if err != nil {
		result.Result = ResultAborted
		result.AbortError = err.Error()
		s.finish(log, result)
		return result, fmt.Errorf("list active investments: %w", err)
	}
	result.Total = len(ids)

	log.Info().Int("investments", len(ids)).Msg("Settlement batch started")

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		resMu    sync.Mutex
		abortErr error
		started  int
	)
	semaphore := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, id := range ids {
		semaphore <- struct{}{} // acquire

		resMu.Lock()
		stop := abortErr != nil
		resMu.Unlock()
		if stop || batchCtx.Err() != nil {
			<-semaphore
			break
		}
		started++

		wg.Add(1)
		go func(investmentID string) {
			defer wg.Done()
			defer func() { <-semaphore }() // release

			r := s.processInvestment(batchCtx, batchID, investmentID, now)

			resMu.Lock()
			defer resMu.Unlock()
			result.add(r)
			if r.ErrorKind == KindStoreUnavailable && abortErr == nil {
				abortErr = fmt.Errorf("investment %s: %s: %w", investmentID, r.Error, ledger.ErrStoreUnavailable)
				cancel()
			}
		}(id)
	}
	wg.Wait()

	result.NotAttempted = len(ids) - started
	switch {
	case abortErr != nil:
		result.Result = ResultAborted
		result.AbortError = abortErr.Error()
	case ctx.Err() != nil:
		result.Result = ResultAborted
		result.AbortError = ctx.Err().Error()
		abortErr = ctx.Err()
	case result.Failed > 0:
		result.Result = ResultPartial
	default:
		result.Result = ResultSuccess
	}

	s.finish(log, result)
	if abortErr != nil {
		return result, fmt.Errorf("settlement batch %s aborted: %w", batchID, abortErr)
	}
	return result, nil
}

func (s *Scheduler) finish(log zerolog.Logger, result *BatchResult) {
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	s.metrics.RecordBatch(result.Result, result.Total, result.Duration, result.FinishedAt)

	var ev *zerolog.Event
	switch result.Result {
	case ResultAborted:
		ev = log.Error().Str("abort_error", result.AbortError)
	case ResultPartial:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("result", result.Result).
		Int("total", result.Total).
		Int("daily_roi", result.DailyROI).
		Int("matured", result.Matured).
		Int("no_op", result.NoOp).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("not_attempted", result.NotAttempted).
		Str("roi_paid", result.ROIPaid.String()).
		Str("principal_returned", result.PrincipalReturned.String()).
		Dur("duration", result.Duration).
		Msg("Settlement batch finished")

	for _, o := range s.observers {
		o.RecordBatch(result)
	}
}

// processInvestment settles one investment under its lease, retrying
// transient failures within the tick. Panics are contained here.
func (s *Scheduler) processInvestment(ctx context.Context, batchID, investmentID string, now time.Time) (r InvestmentResult) {
	r.InvestmentID = investmentID
	log := s.logger.With().Str("batch_id", batchID).Str("investment_id", investmentID).Logger()

	defer func() {
		if p := recover(); p != nil {
			r.Outcome = nil
			r.ErrorKind = KindPanic
			r.Error = fmt.Sprintf("panic: %v", p)
			log.Error().Interface("panic", p).Bool("invariant", true).Msg("Panic recovered while settling investment")
		}
	}()

	lease, err := s.locker.TryLock(ctx, "investment:"+investmentID, s.config.LeaseTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		r.Outcome = &Outcome{InvestmentID: investmentID, Action: ActionSkipped, SkipReason: "lease held"}
		log.Debug().Msg("Investment lease held elsewhere, skipping")
		return r
	}
	if err != nil {
		r.ErrorKind = KindTransient
		r.Error = fmt.Sprintf("acquire lease: %v", err)
		log.Warn().Err(err).Msg("Failed to acquire investment lease")
		return r
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Msg("Failed to release investment lease")
		}
	}()

	retry := s.config.Retry
	for attempt := 0; ; attempt++ {
		r.Attempts = attempt + 1

		ictx, cancel := context.WithTimeout(ctx, s.config.SettlementTimeout)
		out, err := s.processor.Settle(ictx, investmentID, now)
		cancel()

		if err == nil {
			r.Outcome = out
			r.ErrorKind = ""
			r.Error = ""
			return r
		}

		kind := s.classifier.Classify(err)
		r.ErrorKind = kind
		r.Error = err.Error()

		if s.classifier.ShouldRetryInTick(err) && attempt < retry.MaxRetries {
			delay := retry.Delay(attempt)
			log.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("Transient failure, retrying")
			select {
			case <-ctx.Done():
				r.ErrorKind = KindCancelled
				r.Error = ctx.Err().Error()
				return r
			case <-time.After(delay):
			}
			continue
		}

		s.logFailure(log, kind, err, r.Attempts)
		return r
	}
}

func (s *Scheduler) logFailure(log zerolog.Logger, kind ErrorKind, err error, attempts int) {
	switch kind {
	case KindMissingDependency:
		log.Warn().Err(err).Msg("Skipping investment with missing plan or wallet")
	case KindInvariant:
		log.Error().Err(err).Bool("invariant", true).Msg("Ledger invariant violated, investment left untouched")
	case KindStoreUnavailable:
		log.Error().Err(err).Msg("Store unavailable, aborting batch")
	case KindCancelled:
		log.Warn().Err(err).Msg("Settlement cancelled")
	default:
		log.Error().Err(err).Str("kind", string(kind)).Int("attempts", attempts).
			Msg("Settlement failed, will retry next tick")
	}
}
