package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailqueue/internal/models"
)

// Resend delivers through the Resend HTTP API. Every API call waits on a
// shared limiter so bulk jobs stay under the account's request rate.
type Resend struct {
	client  *resend.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewResend(apiKey string, perSecond float64, log *zap.Logger) *Resend {
	if perSecond <= 0 {
		perSecond = 2
	}
	return &Resend{
		client:  resend.NewClient(apiKey),
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     log.Named("resend"),
	}
}

func (r *Resend) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	sent, err := r.client.Emails.SendWithContext(ctx, toResendRequest(msg))
	if err != nil {
		return "", fmt.Errorf("resend: send: %w", err)
	}
	if sent == nil || sent.Id == "" {
		return "", &APIError{Provider: "resend", Message: "response carried no message id"}
	}
	return sent.Id, nil
}

func (r *Resend) SendBatch(ctx context.Context, msgs []models.OutboundMessage) ([]ItemResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqs := make([]*resend.SendEmailRequest, len(msgs))
	for i, m := range msgs {
		reqs[i] = toResendRequest(m)
	}

	resp, err := r.client.Batch.SendWithContext(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("resend: batch: %w", err)
	}
	if resp == nil {
		return nil, &APIError{Provider: "resend", Message: "empty batch response"}
	}

	// Items the provider accepted without echoing an id still count as
	// sent; only missing positions are failures.
	items := make([]ItemResult, len(msgs))
	for i := range items {
		if i >= len(resp.Data) {
			items[i] = ItemResult{Err: errors.New("resend: no result for message")}
			continue
		}
		items[i] = ItemResult{MessageID: resp.Data[i].Id}
	}

	r.log.Debug("batch accepted", zap.Int("size", len(msgs)), zap.Int("ids", len(resp.Data)))
	return items, nil
}

// Ping lists the account's domains, the cheapest authenticated call.
func (r *Resend) Ping(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := r.client.Domains.ListWithContext(ctx); err != nil {
		return fmt.Errorf("resend: ping: %w", err)
	}
	return nil
}

func toResendRequest(m models.OutboundMessage) *resend.SendEmailRequest {
	return &resend.SendEmailRequest{
		From:    m.From,
		To:      []string{m.To},
		Subject: m.Subject,
		Html:    m.HTML,
		Text:    m.Text,
	}
}
