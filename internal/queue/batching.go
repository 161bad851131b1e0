package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/reporting-back/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             *slog.Logger
}

type batchCapableProducer interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

type enqueueRequest struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

// BatchingProducer groups close-in-time enqueue operations and applies bounded
// buffering. Enqueue blocks until the batch holding the message was written.
type BatchingProducer struct {
	base        Producer
	batchWriter batchCapableProducer

	in         chan enqueueRequest
	semaphore  chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	config     BatchingConfig
	parentDone <-chan struct{}
	logger     *slog.Logger

	batches   atomic.Uint64
	messages  atomic.Uint64
	coalesced atomic.Uint64
	failures  atomic.Uint64
}

func NewBatchingProducer(
	parent context.Context,
	base Producer,
	cfg BatchingConfig,
) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	batcher := &BatchingProducer{
		base:       base,
		in:         make(chan enqueueRequest, cfg.QueueCapacity),
		semaphore:  make(chan struct{}, cfg.MaxInFlightBatches),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		config:     cfg,
		parentDone: parent.Done(),
		logger:     cfg.Logger,
	}
	if writer, ok := base.(batchCapableProducer); ok {
		batcher.batchWriter = writer
	}

	go batcher.run()
	return batcher
}

func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	request := enqueueRequest{
		ctx:     ctx,
		message: message,
		result:  make(chan error, 1),
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBatchingClosed
	default:
	}

	// Never block the submit path on a full buffer.
	select {
	case b.in <- request:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		// run answers everything it drained before closing done; a request
		// buffered after that is never read.
		select {
		case err := <-request.result:
			return err
		default:
			return ErrBatchingClosed
		}
	}
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) run() {
	defer close(b.done)

	pending := make([]enqueueRequest, 0, b.config.MaxBatchSize)
	timer := time.NewTimer(b.config.FlushInterval)
	stopTimer(timer)
	timerRunning := false

	flush := func(final bool) {
		if len(pending) == 0 {
			return
		}
		batch := append([]enqueueRequest(nil), pending...)
		pending = pending[:0]
		b.flushBatch(batch, final)
	}

	for {
		var timerCh <-chan time.Time
		if timerRunning {
			timerCh = timer.C
		}

		select {
		case <-b.parentDone:
			stopTimer(timer)
			flush(true)
			return
		case <-b.stop:
			stopTimer(timer)
			flush(true)
			return
		case <-timerCh:
			timerRunning = false
			flush(false)
		case request := <-b.in:
			if request.ctx.Err() != nil {
				request.result <- request.ctx.Err()
				continue
			}
			pending = append(pending, request)
			if len(pending) == 1 {
				resetTimer(timer, b.config.FlushInterval)
				timerRunning = true
			}
			if len(pending) >= b.config.MaxBatchSize {
				stopTimer(timer)
				timerRunning = false
				flush(false)
			}
		}
	}
}

// flushBatch writes one message per request id. Duplicate enqueues of the same
// request inside a batch (a retry racing the original submit) share one write
// and all waiters receive its result.
func (b *BatchingProducer) flushBatch(batch []enqueueRequest, final bool) {
	waiters := make(map[string][]enqueueRequest, len(batch))
	messages := make([]domain.QueueMessage, 0, len(batch))
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.result <- err
			continue
		}
		id := request.message.RequestID
		if _, seen := waiters[id]; !seen {
			messages = append(messages, request.message)
		} else {
			b.coalesced.Add(1)
		}
		waiters[id] = append(waiters[id], request)
	}
	if len(messages) == 0 {
		return
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].EnqueuedAt.Before(messages[j].EnqueuedAt)
	})

	flushCtx := context.Background()
	if !final {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), b.config.FlushTimeout)
		defer cancel()
	}

	select {
	case b.semaphore <- struct{}{}:
	case <-flushCtx.Done():
		b.failures.Add(uint64(len(messages)))
		for _, requests := range waiters {
			for _, request := range requests {
				request.result <- flushCtx.Err()
			}
		}
		return
	}
	defer func() { <-b.semaphore }()

	b.batches.Add(1)
	b.messages.Add(uint64(len(messages)))

	if b.batchWriter != nil {
		err := b.batchWriter.EnqueueBatch(flushCtx, messages)
		if err != nil {
			b.failures.Add(uint64(len(messages)))
			b.logger.Error("queue batch write failed", "size", len(messages), "error", err)
		}
		for _, requests := range waiters {
			for _, request := range requests {
				request.result <- err
			}
		}
		return
	}

	// Without batch support each message succeeds or fails on its own.
	for _, message := range messages {
		err := b.base.Enqueue(flushCtx, message)
		if err != nil {
			b.failures.Add(1)
			b.logger.Error("queue enqueue failed", "request_id", message.RequestID, "error", err)
		}
		for _, request := range waiters[message.RequestID] {
			request.result <- err
		}
	}
}

// BatchingStats are cumulative counters since the producer was created.
type BatchingStats struct {
	Batches   uint64
	Messages  uint64
	Coalesced uint64
	Failures  uint64
}

func (b *BatchingProducer) Stats() BatchingStats {
	return BatchingStats{
		Batches:   b.batches.Load(),
		Messages:  b.messages.Load(),
		Coalesced: b.coalesced.Load(),
		Failures:  b.failures.Load(),
	}
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, value time.Duration) {
	if timer == nil {
		return
	}
	stopTimer(timer)
	timer.Reset(value)
}
