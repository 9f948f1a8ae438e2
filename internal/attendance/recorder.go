package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrRecorderFull is returned by Record when the event buffer is full.
	ErrRecorderFull = errors.New("attendance event buffer full")
	// ErrRecorderStopped is returned when the recorder is not accepting events.
	ErrRecorderStopped = errors.New("attendance recorder not running")
)

// Sink persists attendance events.
type Sink interface {
	SaveEvent(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) SaveEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// MultiSink writes each event to every sink, joining their errors.
type MultiSink []Sink

func (m MultiSink) SaveEvent(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) SaveEvent(_ context.Context, e Event) error {
	s.Logger.Info("attendance marked",
		zap.String("event_id", e.ID.String()),
		zap.String("identity_id", e.IdentityID),
		zap.String("name", e.Name),
		zap.Float64("confidence", e.Confidence),
		zap.Float64("liveness", e.Liveness),
		zap.Time("timestamp", e.Timestamp),
		zap.String("source", e.Source))
	return nil
}

// RecorderConfig holds configuration for the Recorder.
type RecorderConfig struct {
	BufferSize  int           // Size of the event buffer channel
	WorkerCount int           // Number of concurrent workers
	SaveTimeout time.Duration // Deadline for a single sink write
}

// DefaultRecorderConfig returns the default configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:  1000,
		WorkerCount: 2,
		SaveTimeout: 5 * time.Second,
	}
}

// RecorderStats is a point-in-time view of the recorder.
type RecorderStats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Saved         int64
	Failed        int64
	Dropped       int64
	Running       bool
}

// Recorder persists events asynchronously. Failing or slow sinks never block
// the caller: Record either queues immediately or drops the event.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
	cfg    RecorderConfig

	events chan Event
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool
	saved   int64
	failed  int64
	dropped int64
}

// NewRecorder creates a recorder writing to sink. Start must be called before
// events are accepted.
func NewRecorder(sink Sink, logger *zap.Logger, cfg RecorderConfig) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRecorderConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = def.SaveTimeout
	}
	return &Recorder{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
	}
}

// Start launches the background workers.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("attendance recorder already started")
	}
	if r.stopped {
		return ErrRecorderStopped
	}

	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.running = true
	r.logger.Debug("started attendance recorder",
		zap.Int("worker_count", r.cfg.WorkerCount),
		zap.Int("buffer_size", r.cfg.BufferSize))
	return nil
}

// Record queues e without blocking.
func (r *Recorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrRecorderStopped
	}

	select {
	case r.events <- e:
		return nil
	default:
		r.dropped++
		r.logger.Warn("attendance event buffer full, dropping event",
			zap.String("event_id", e.ID.String()),
			zap.String("identity_id", e.IdentityID))
		return ErrRecorderFull
	}
}

// Stop stops accepting events and waits up to timeout for queued events to
// be written.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrRecorderStopped
	}
	r.running = false
	r.stopped = true
	pending := len(r.events)
	close(r.events)
	r.mu.Unlock()

	r.logger.Debug("stopping attendance recorder", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("attendance recorder stop timeout after %v", timeout)
	}
}

// Stats returns counters describing the recorder.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{
		BufferSize:    r.cfg.BufferSize,
		PendingEvents: len(r.events),
		WorkerCount:   r.cfg.WorkerCount,
		Saved:         r.saved,
		Failed:        r.failed,
		Dropped:       r.dropped,
		Running:       r.running,
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	for e := range r.events {
		err := r.save(e)

		r.mu.Lock()
		if err != nil {
			r.failed++
		} else {
			r.saved++
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("failed to persist attendance event",
				zap.Int("worker_id", id),
				zap.String("event_id", e.ID.String()),
				zap.String("identity_id", e.IdentityID),
				zap.Error(err))
		}
	}
}

func (r *Recorder) save(e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
	defer cancel()

	if err := r.sink.SaveEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to save attendance event: %w", err)
	}
	return nil
}
