// Package audit appends immutable records for every authorization decision
// and execution outcome.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decision classifies one audited event.
type Decision string

const (
	DecisionAllow       Decision = "ALLOW"
	DecisionDeny        Decision = "DENY"
	DecisionExecuteOK   Decision = "EXECUTE_OK"
	DecisionExecuteFail Decision = "EXECUTE_FAIL"
)

// Record is one append-only audit entry. Operation is a free-text label,
// never a typed record identifier: denied calls legitimately carry names
// that exist in no schema.
type Record struct {
	ID        string
	Actor     string
	Role      string
	Decision  Decision
	Operation string
	Origin    string
	Sensitive bool
	Timestamp time.Time
}

// Sink is the append-only write interface. There is no read side here;
// compliance reporting consumes the sink externally.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

const (
	defaultQueueSize   = 256
	defaultEnqueueWait = 50 * time.Millisecond
	appendTimeout      = 5 * time.Second
)

// Recorder decouples pipelines from sink latency through a bounded queue
// with an explicit drain on shutdown. Record never fails and never blocks
// the caller beyond a short bound; a full queue or failing sink is logged
// locally and swallowed.
type Recorder struct {
	sink   Sink
	logger zerolog.Logger

	queue       chan Record
	done        chan struct{}
	enqueueWait time.Duration

	closeOnce sync.Once
	closedMu  sync.RWMutex
	closed    bool
}

// RecorderOptions tune queue behavior; zero values use defaults.
type RecorderOptions struct {
	QueueSize   int
	EnqueueWait time.Duration
}

// NewRecorder starts the sink writer goroutine.
func NewRecorder(sink Sink, logger zerolog.Logger, opts RecorderOptions) *Recorder {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	r := &Recorder{
		sink:   sink,
		logger: logger.With().Str("component", "audit").Logger(),
		queue:  make(chan Record, size),
		done:   make(chan struct{}),
	}
	wait := opts.EnqueueWait
	if wait <= 0 {
		wait = defaultEnqueueWait
	}
	r.enqueueWait = wait
	go r.drainLoop()
	return r
}

// Record enqueues one audit record, filling in the id and timestamp when
// absent. Persistence failures are a compliance alerting concern, not a
// reason to interrupt the caller-visible flow.
func (r *Recorder) Record(rec Record) {
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	r.closedMu.RLock()
	defer r.closedMu.RUnlock()
	if r.closed {
		r.logger.Error().Str("decision", string(rec.Decision)).Str("operation", rec.Operation).
			Msg("audit recorder closed; record dropped")
		return
	}

	select {
	case r.queue <- rec:
	case <-time.After(r.enqueueWait):
		r.logger.Error().Str("decision", string(rec.Decision)).Str("operation", rec.Operation).
			Msg("audit queue full; record dropped")
	}
}

// Close stops intake and drains queued records before returning. The
// context bounds how long the drain may take.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closedMu.Lock()
		r.closed = true
		r.closedMu.Unlock()
		close(r.queue)
	})

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) drainLoop() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := r.sink.Append(ctx, rec); err != nil {
			r.logger.Error().Err(err).
				Str("decision", string(rec.Decision)).
				Str("operation", rec.Operation).
				Msg("audit append failed")
		}
		cancel()
	}
}
