package send

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corralog/agent/internal/record"
)

// Transporter delivers one sealed batch to its destination and reports the
// remote ack status. The default implementation posts Payload over HTTPS;
// tests substitute a stub.
type Transporter interface {
	Send(ctx context.Context, destination, endpoint string, batch *record.Batch) (record.AckStatus, error)
}

// HTTPTransporter is the default Transporter: one HTTPS POST per batch.
type HTTPTransporter struct {
	Client    *http.Client
	AuthToken string
}

// Send implements Transporter.
func (t *HTTPTransporter) Send(ctx context.Context, destination, endpoint string, batch *record.Batch) (record.AckStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(batch.Payload))
	if err != nil {
		return record.AckRetryableNet, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if batch.Compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return record.AckRetryableNet, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return record.AckOK, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return record.AckRetryableQuota, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return record.AckDiscard, nil
	default:
		return record.AckRetryableNet, fmt.Errorf("send: status %d", resp.StatusCode)
	}
}

// RangeTracker marks an exactly-once range in-flight/acknowledged. No type
// in this module implements it (checkpoint.Store has no such methods); a
// nil RangeTracker is accepted.
type RangeTracker interface {
	MarkInFlight(ctx context.Context, primaryKey string, rangeIndex int) error
	MarkAcknowledged(ctx context.Context, primaryKey string, rangeIndex int) error
}

// AlarmSink receives a notice whenever a batch is permanently discarded.
type AlarmSink interface {
	Notify(kind, destination, detail string)
}

// Config configures a Sender.
type Config struct {
	Destinations map[string]DestinationConfig
	Endpoints    map[string]string
	UrgentDrain  time.Duration
}

// Sender runs a bounded worker pool per destination, pulling sealed batches
// off an input channel and applying the outcome state machine to each
// destination's DestinationState.
type Sender struct {
	cfg     Config
	tx      Transporter
	ranges  RangeTracker
	alarms  AlarmSink
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*DestinationState

	in   chan *record.Batch
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New constructs a Sender. tx, ranges, and alarms may be nil; ranges being
// nil means no exactly-once tracking is performed (all sources treated as
// non-exactly-once).
func New(cfg Config, tx Transporter, ranges RangeTracker, alarms AlarmSink, logger *slog.Logger) *Sender {
	if cfg.UrgentDrain <= 0 {
		cfg.UrgentDrain = DefaultUrgentDrain
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		cfg:    cfg,
		tx:     tx,
		ranges: ranges,
		alarms: alarms,
		logger: logger,
		states: make(map[string]*DestinationState),
		in:     make(chan *record.Batch, 256),
		stop:   make(chan struct{}),
	}
	for name, dc := range cfg.Destinations {
		s.states[name] = NewDestinationState(dc)
	}
	return s
}

// Submit enqueues a sealed batch for delivery. It blocks if the input
// channel is full, which back-pressures the Batcher's flush loop.
func (s *Sender) Submit(ctx context.Context, batch *record.Batch) error {
	select {
	case s.in <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return fmt.Errorf("send: sender stopped")
	}
}

// Start launches one dispatch goroutine per configured destination's Cmax
// worker slots.
func (s *Sender) Start(ctx context.Context) {
	for name := range s.cfg.Destinations {
		state := s.states[name]
		for i := 0; i < state.cfg.Cmax; i++ {
			s.wg.Add(1)
			go s.worker(ctx, name)
		}
	}
}

// Urgent puts every destination into urgent shutdown mode and returns a
// context that is cancelled after UrgentDrain has elapsed.
func (s *Sender) Urgent(parent context.Context) context.Context {
	s.mu.Lock()
	for _, st := range s.states {
		st.SetUrgent(true)
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, s.cfg.UrgentDrain)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

// Stop signals all workers to exit once their current batch, if any,
// completes. Idempotent.
func (s *Sender) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sender) worker(ctx context.Context, destination string) {
	defer s.wg.Done()

	state := s.states[destination]
	endpoint := s.cfg.Endpoints[destination]

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case batch, ok := <-s.in:
			if !ok {
				return
			}
			if batch.Destination != destination {
				// Not ours; put it back for the right worker pool. In
				// practice the pipeline routes by destination before
				// Submit, so this is a defensive fallback only.
				select {
				case s.in <- batch:
				default:
					s.logger.Warn("send: dropped misrouted batch", slog.String("destination", batch.Destination))
				}
				continue
			}
			s.deliver(ctx, destination, endpoint, state, batch)
		}
	}
}

func (s *Sender) deliver(ctx context.Context, destination, endpoint string, state *DestinationState, batch *record.Batch) {
	now := time.Now()
	if blocked, until := state.Blocked(now); blocked {
		wait := time.Until(until)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
		state.NoteUnblock(time.Now())
	}

	exactlyOnce := len(batch.Records) > 0 && batch.Records[0].Tags.ExactlyOnce
	if exactlyOnce && s.ranges != nil {
		pk := batch.Records[0].Tags.PrimaryKey
		idx := batch.Records[0].Tags.RangeIndex
		_ = s.ranges.MarkInFlight(ctx, pk, idx)
	}

	status, err := s.sendWithRetry(ctx, destination, endpoint, batch)
	now = time.Now()

	switch status {
	case record.AckOK:
		state.Record(OutcomeSuccess, now)
		if exactlyOnce && s.ranges != nil {
			pk := batch.Records[0].Tags.PrimaryKey
			idx := batch.Records[0].Tags.RangeIndex
			_ = s.ranges.MarkAcknowledged(ctx, pk, idx)
		}
	case record.AckDiscard:
		state.Record(OutcomeDiscard, now)
		if s.alarms != nil {
			detail := "destination rejected batch"
			if err != nil {
				detail = err.Error()
			}
			s.alarms.Notify("batch_discarded", destination, detail)
		}
	case record.AckRetryableQuota:
		state.Record(OutcomeQuotaFailure, now)
	default:
		state.Record(OutcomeNetworkFailure, now)
	}
}

// sendWithRetry makes the underlying Transporter call, using
// cenkalti/backoff/v4 only to bound a small number of immediate same-attempt
// retries on transient transport-level errors (e.g. a dial timeout); the
// longer destination-level backoff is governed entirely by DestinationState.
func (s *Sender) sendWithRetry(ctx context.Context, destination, endpoint string, batch *record.Batch) (record.AckStatus, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 2), ctx)

	var status record.AckStatus
	var sendErr error
	err := backoff.Retry(func() error {
		status, sendErr = s.tx.Send(ctx, destination, endpoint, batch)
		if sendErr != nil && status == record.AckRetryableNet {
			return sendErr
		}
		return nil
	}, b)
	if err != nil {
		return record.AckRetryableNet, err
	}
	return status, sendErr
}
