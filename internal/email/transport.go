// Package email delivers outbound messages through a pluggable transport and
// splits bulk sends into provider-sized chunks.
package email

import (
	"context"
	"fmt"

	"mailqueue/internal/models"
)

// Transport is an email provider.
//
// SendBatch receives at most one chunk of messages. A non-nil error fails the
// whole chunk; otherwise the results are positional, one per message. Ping
// checks that the provider is reachable and accepts our credentials.
type Transport interface {
	Send(ctx context.Context, msg models.OutboundMessage) (messageID string, err error)
	SendBatch(ctx context.Context, msgs []models.OutboundMessage) ([]ItemResult, error)
	Ping(ctx context.Context) error
}

type ItemResult struct {
	MessageID string
	Err       error
}

// APIError is an error reported by the provider itself, as opposed to a
// network or encoding failure.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Provider, e.StatusCode, e.Message)
}
