package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
)

const (
	// New pending work settles for this long before dispatch begins.
	debounceWindow = 2 * time.Second
	// Each time the pending count grows mid-window, dispatch slides out.
	debounceExtension = 1500 * time.Millisecond
	// Producer poll cadence while idle.
	pollInterval = 500 * time.Millisecond

	// Results flushed at this many buffered items or after this much
	// idle time, whichever comes first.
	defaultSaveThreshold = 20
	defaultSaveInterval  = 2 * time.Second

	// WAL checkpoint cadence: after this interval, or after this many
	// flushed results once the WAL passed the size threshold.
	defaultCheckpointInterval = time.Minute
	checkpointResultCount     = 200
	walSizeThreshold          = 512 * 1024

	// Observer notifications at most this often.
	progressThrottle = 100 * time.Millisecond
)

// Store is the palette persistence surface the scheduler drives.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]string, error)
	BatchSaveColors(ctx context.Context, results []repository.PaletteResult) error
	PendingCount(ctx context.Context) (int64, error)
	Counts(ctx context.Context) (*domain.PaletteCounts, error)
	ResetProcessingToPending(ctx context.Context) (int64, error)
}

// Checkpointer folds the database WAL. WALSize returning zero skips the
// size-triggered checkpoint path.
type Checkpointer interface {
	Checkpoint() error
	WALSize() (int64, error)
}

// ExtractFunc produces a palette and its Lab coordinates for one file.
type ExtractFunc func(path string) (domain.ColorList, [][3]float64, error)

// Observer receives throttled extraction progress. Implementations must
// not block.
type Observer interface {
	OnExtractionProgress(p domain.ExtractionProgress)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	Workers            int
	BatchSize          int
	SaveThreshold      int
	SaveInterval       time.Duration
	CheckpointInterval time.Duration

	// Timing knobs overridable in tests.
	debounce    time.Duration
	debounceExt time.Duration
	poll        time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 || c.Workers > runtime.NumCPU() {
		c.Workers = runtime.NumCPU()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.SaveThreshold <= 0 {
		c.SaveThreshold = defaultSaveThreshold
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = defaultSaveInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	if c.debounce <= 0 {
		c.debounce = debounceWindow
	}
	if c.debounceExt <= 0 {
		c.debounceExt = debounceExtension
	}
	if c.poll <= 0 {
		c.poll = pollInterval
	}
}

// Scheduler runs the extraction pipeline until Stop.
type Scheduler struct {
	store      Store
	checkpoint Checkpointer
	extract    ExtractFunc
	observer   Observer
	state      *RunState
	cfg        Config
	log        *logger.Logger

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	// total never decreases across one scheduler lifetime even when
	// rows are deleted mid-run, so progress bars cannot jump backwards.
	totalHighWater atomic.Int64
	lastNotify     atomic.Int64
	dispatched     atomic.Int64
	completed      atomic.Int64
}

// New wires a scheduler. The run state is owned by the caller.
func New(store Store, checkpoint Checkpointer, extract ExtractFunc, observer Observer, state *RunState, cfg Config, log *logger.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:      store,
		checkpoint: checkpoint,
		extract:    extract,
		observer:   observer,
		state:      state,
		cfg:        cfg,
		log:        log.WithField(logger.FieldComponent, "scheduler"),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the pipeline goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	tasks := make(chan string)
	results := make(chan repository.PaletteResult)

	go s.runPipeline(ctx, tasks, results)
}

// Kick nudges the producer to look for pending work immediately,
// typically right after new files were registered.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop shuts the pipeline down, draining in-flight results and
// performing a final flush and checkpoint. Blocks until done.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runPipeline(ctx context.Context, tasks chan string, results chan repository.PaletteResult) {
	defer close(s.done)

	// The task queue is unbounded so claiming a large batch never
	// blocks the producer behind slow consumers.
	taskIn, taskOut := unboundedQueue(ctx, s.stop, tasks)

	var consumers sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			s.consume(ctx, taskOut, results)
		}()
	}

	var processor sync.WaitGroup
	processor.Add(1)
	go func() {
		defer processor.Done()
		s.processResults(ctx, results)
	}()

	s.produce(ctx, taskIn)

	close(taskIn)
	consumers.Wait()
	close(results)
	processor.Wait()

	// Claimed rows that never reached a consumer are still marked
	// processing. Nothing is in flight anymore, so put them back.
	// The pipeline context may already be cancelled here.
	if n, err := s.store.ResetProcessingToPending(context.Background()); err != nil {
		s.log.WithError(err).Warn("resetting stranded processing rows failed")
	} else if n > 0 {
		s.log.WithField(logger.FieldCount, n).Info("returned stranded rows to the pending queue")
	}
}

// produce watches for pending rows, debounces bursts, then claims and
// dispatches batches. Returns when the scheduler stops.
func (s *Scheduler) produce(ctx context.Context, tasks chan<- string) {
	ticker := time.NewTicker(s.cfg.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}

		if s.state.Cancelled() {
			continue
		}

		pending, err := s.store.PendingCount(ctx)
		if err != nil {
			s.log.WithError(err).Warn("pending count failed")
			continue
		}
		if pending == 0 {
			continue
		}

		if !s.debounce(ctx, pending) {
			return
		}
		s.dispatch(ctx, tasks)
	}
}

// debounce waits out the settling window, sliding it while the pending
// count keeps growing. False means the scheduler is stopping.
func (s *Scheduler) debounce(ctx context.Context, seen int64) bool {
	wait := s.cfg.debounce
	for {
		select {
		case <-s.stop:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		now, err := s.store.PendingCount(ctx)
		if err != nil || now <= seen {
			return true
		}
		seen = now
		wait = s.cfg.debounceExt
	}
}

// dispatch claims pending batches until the queue is drained, the run
// is cancelled, or the scheduler stops.
func (s *Scheduler) dispatch(ctx context.Context, tasks chan<- string) {
	for {
		if s.state.Cancelled() {
			return
		}
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		paths, err := s.store.ClaimPending(ctx, s.cfg.BatchSize)
		if err != nil {
			s.log.WithError(err).Warn("claiming pending batch failed")
			return
		}
		if len(paths) == 0 {
			return
		}
		s.dispatched.Add(int64(len(paths)))
		s.log.WithField(logger.FieldCount, len(paths)).Debug("dispatching extraction batch")
		for _, p := range paths {
			select {
			case tasks <- p:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// consume runs extraction tasks with cooperative pause and cancel
// checks between tasks.
func (s *Scheduler) consume(ctx context.Context, tasks <-chan string, results chan<- repository.PaletteResult) {
	for path := range tasks {
		for s.state.Paused() {
			select {
			case <-s.state.resumeSignal():
			case <-ctx.Done():
				return
			case <-s.stop:
				// Shutdown while paused; the row goes back to pending
				// when the pipeline winds down.
				return
			}
		}
		if s.state.Cancelled() || ctx.Err() != nil {
			// Hand the claimed row back instead of leaving it stuck in
			// processing until the next restart.
			results <- repository.PaletteResult{FilePath: path, Skipped: true}
			continue
		}

		colors, labs, err := s.extract(path)
		results <- repository.PaletteResult{
			FilePath: path,
			Colors:   colors,
			Lab:      labs,
			Err:      err,
		}
	}
}

// processResults buffers finished extractions and flushes them on size
// or idle-time triggers, running WAL checkpoints on its own cadence.
func (s *Scheduler) processResults(ctx context.Context, results <-chan repository.PaletteResult) {
	buffer := make([]repository.PaletteResult, 0, s.cfg.SaveThreshold)
	idle := time.NewTicker(s.cfg.SaveInterval)
	defer idle.Stop()

	lastCheckpoint := time.Now()
	resultsSinceCheckpoint := 0

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := s.store.BatchSaveColors(ctx, buffer); err != nil {
			s.log.WithError(err).WithField(logger.FieldCount, len(buffer)).
				Error("flushing extraction results failed")
		} else {
			saved := 0
			for i := range buffer {
				if !buffer[i].Skipped {
					saved++
				}
			}
			s.completed.Add(int64(saved))
			resultsSinceCheckpoint += saved
		}
		buffer = buffer[:0]
		s.notifyProgress(ctx, false)
	}

	maybeCheckpoint := func() {
		if s.checkpoint == nil {
			return
		}
		due := time.Since(lastCheckpoint) >= s.cfg.CheckpointInterval
		if !due && resultsSinceCheckpoint >= checkpointResultCount {
			if size, err := s.checkpoint.WALSize(); err == nil && size >= walSizeThreshold {
				due = true
			}
		}
		if !due {
			return
		}
		if err := s.checkpoint.Checkpoint(); err != nil {
			s.log.WithError(err).Warn("wal checkpoint failed")
		}
		lastCheckpoint = time.Now()
		resultsSinceCheckpoint = 0
	}

	wasPaused := false
	for {
		select {
		case res, ok := <-results:
			if !ok {
				flush()
				s.forceCheckpoint()
				s.notifyProgress(ctx, true)
				return
			}
			buffer = append(buffer, res)
			if len(buffer) >= s.cfg.SaveThreshold {
				flush()
				maybeCheckpoint()
			}
		case <-idle.C:
			flush()
			maybeCheckpoint()

			// One forced full checkpoint per pause event, so a paused
			// gallery leaves a compact database behind.
			paused := s.state.Paused()
			if paused && !wasPaused {
				s.forceCheckpoint()
			}
			wasPaused = paused
		}
	}
}

func (s *Scheduler) forceCheckpoint() {
	if s.checkpoint == nil {
		return
	}
	if err := s.checkpoint.Checkpoint(); err != nil {
		s.log.WithError(err).Warn("forced wal checkpoint failed")
	}
}

// notifyProgress recomputes counts and informs the observer, throttled
// unless forced.
func (s *Scheduler) notifyProgress(ctx context.Context, force bool) {
	if s.observer == nil {
		return
	}
	now := time.Now().UnixMilli()
	last := s.lastNotify.Load()
	if !force && now-last < progressThrottle.Milliseconds() {
		return
	}
	if !s.lastNotify.CompareAndSwap(last, now) {
		return
	}

	counts, err := s.store.Counts(ctx)
	if err != nil {
		return
	}
	total := counts.Pending + counts.Processing + counts.Extracted + counts.Error
	for {
		high := s.totalHighWater.Load()
		if total <= high {
			total = high
			break
		}
		if s.totalHighWater.CompareAndSwap(high, total) {
			break
		}
	}

	s.observer.OnExtractionProgress(domain.ExtractionProgress{
		Processed: int(counts.Extracted + counts.Error),
		Total:     int(total),
		Pending:   int(counts.Pending),
		Stage:     stageFor(counts, s.state),
	})
}

func stageFor(counts *domain.PaletteCounts, state *RunState) string {
	switch {
	case state.Cancelled():
		return "cancelled"
	case state.Paused():
		return "paused"
	case counts.Pending+counts.Processing > 0:
		return "extracting"
	default:
		return "idle"
	}
}

// unboundedQueue returns an input channel that never blocks senders and
// an output channel fed from an internal buffer. Closing the input
// drains the buffer and then closes the output. The pump also watches
// the stop and context signals so it can never hang on a send after the
// consumers have exited; undelivered items are dropped, their rows are
// recovered when the pipeline winds down.
func unboundedQueue(ctx context.Context, stop <-chan struct{}, out chan string) (chan string, <-chan string) {
	in := make(chan string)
	go func() {
		defer close(out)
		var buf []string
		for {
			if len(buf) == 0 {
				select {
				case item, ok := <-in:
					if !ok {
						return
					}
					buf = append(buf, item)
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case item, ok := <-in:
				if !ok {
					for _, b := range buf {
						select {
						case out <- b:
						case <-stop:
							return
						case <-ctx.Done():
							return
						}
					}
					return
				}
				buf = append(buf, item)
			case out <- buf[0]:
				buf = buf[1:]
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return in, out
}
