package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/iago/reporting-back/internal/queue"
	"github.com/iago/reporting-back/internal/service"
)

// Runner is the generation step executed for every delivered message.
type Runner interface {
	Run(ctx context.Context, requestID string) (service.Outcome, error)
}

// Processor consumes report messages and hands them to the generation service.
type Processor struct {
	consumer    queue.Consumer
	runner      Runner
	logger      *slog.Logger
	concurrency int
	backoff     time.Duration
}

func NewProcessor(consumer queue.Consumer, runner Runner, logger *slog.Logger, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		consumer:    consumer,
		runner:      runner,
		logger:      logger,
		concurrency: concurrency,
		backoff:     2 * time.Second,
	}
}

// Start runs the consume loops until ctx is cancelled and waits for them to exit.
func (p *Processor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error("worker consume loop error", "slot", slot, "error", err)

		timer := time.NewTimer(p.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// processMessage returns the generation error untouched so the queue can retry
// or dead-letter the message.
func (p *Processor) processMessage(ctx context.Context, message domain.QueueMessage) error {
	start := time.Now()
	outcome, err := p.runner.Run(ctx, message.RequestID)
	if err != nil {
		p.logger.WarnContext(ctx, "report message failed",
			"request_id", message.RequestID,
			"attempt", message.Attempt,
			"outcome", outcome.String(),
			"error", err,
		)
		return err
	}

	p.logger.InfoContext(ctx, "report message processed",
		"request_id", message.RequestID,
		"attempt", message.Attempt,
		"outcome", outcome.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
