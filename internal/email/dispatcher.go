package email

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
)

const DefaultChunkSize = 100

var errMissingResult = errors.New("transport returned no result for this message")

// Dispatcher sends message sets chunk by chunk through a Transport.
type Dispatcher struct {
	transport Transport
	delay     time.Duration
	log       *zap.Logger
}

func NewDispatcher(t Transport, delay time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		delay:     delay,
		log:       log.Named("dispatcher"),
	}
}

// SendBatch sends msgs in contiguous chunks of at most chunkSize. It never
// fails as a whole: a failed chunk marks each of its messages as failed, and
// Successful+Failed always equals len(msgs).
func (d *Dispatcher) SendBatch(ctx context.Context, msgs []models.OutboundMessage, chunkSize int) models.BatchEmailResult {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	result := models.BatchEmailResult{
		Errors:   []models.RecipientError{},
		EmailIDs: []models.SentEmail{},
	}

	chunks := (len(msgs) + chunkSize - 1) / chunkSize
	for i := 0; i < chunks; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(msgs))
		chunk := msgs[start:end]

		items, err := d.sendChunk(ctx, chunk)
		if err != nil {
			dispatchErr := &models.DispatchError{Chunk: i, Size: len(chunk), Err: err}
			d.log.Error("chunk failed",
				zap.Int("chunk", i+1),
				zap.Int("chunks", chunks),
				zap.Int("size", len(chunk)),
				zap.Error(dispatchErr),
			)
			metrics.BatchChunks.WithLabelValues("failed").Inc()
			for _, m := range chunk {
				result.Failed++
				result.Errors = append(result.Errors, models.RecipientError{Email: m.To, Error: err.Error()})
			}
		} else {
			metrics.BatchChunks.WithLabelValues("ok").Inc()
			for j, m := range chunk {
				item := ItemResult{Err: errMissingResult}
				if j < len(items) {
					item = items[j]
				}
				if item.Err != nil {
					result.Failed++
					result.Errors = append(result.Errors, models.RecipientError{Email: m.To, Error: item.Err.Error()})
					continue
				}
				result.Successful++
				result.EmailIDs = append(result.EmailIDs, models.SentEmail{Email: m.To, MessageID: item.MessageID})
			}
		}

		if i < chunks-1 && d.delay > 0 {
			d.wait(ctx)
		}
	}

	metrics.EmailsSent.Add(float64(result.Successful))
	metrics.EmailFailures.Add(float64(result.Failed))

	d.log.Info("batch dispatched",
		zap.Int("messages", len(msgs)),
		zap.Int("chunks", chunks),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
	)
	return result
}

// SendOne sends a single message without chunking.
func (d *Dispatcher) SendOne(ctx context.Context, msg models.OutboundMessage) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
		if err != nil {
			metrics.EmailFailures.Inc()
			d.log.Warn("send failed", zap.String("to", msg.To), zap.Error(err))
			return
		}
		metrics.EmailsSent.Inc()
	}()
	return d.transport.Send(ctx, msg)
}

func (d *Dispatcher) sendChunk(ctx context.Context, chunk []models.OutboundMessage) (items []ItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.SendBatch(ctx, chunk)
}

// wait sleeps for the inter-chunk delay. Cancellation only shortens the wait;
// the remaining chunks still run and report their own errors.
func (d *Dispatcher) wait(ctx context.Context) {
	t := time.NewTimer(d.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
