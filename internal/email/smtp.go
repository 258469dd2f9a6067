package email

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"mailqueue/internal/models"
)

// SMTP delivers through a plain SMTP relay. A batch shares one connection so
// that each message gets its own result.
type SMTP struct {
	dialer      *gomail.Dialer
	hostname    string
	dialTimeout time.Duration
	log         *zap.Logger
}

func NewSMTP(host string, port int, user, password string, log *zap.Logger) *SMTP {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &SMTP{
		dialer:      gomail.NewDialer(host, port, user, password),
		hostname:    hostname,
		dialTimeout: 10 * time.Second,
		log:         log.Named("smtp"),
	}
}

func (s *SMTP) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	items, err := s.SendBatch(ctx, []models.OutboundMessage{msg})
	if err != nil {
		return "", err
	}
	return items[0].MessageID, items[0].Err
}

func (s *SMTP) SendBatch(ctx context.Context, msgs []models.OutboundMessage) ([]ItemResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	items := make([]ItemResult, len(msgs))
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			items[i] = ItemResult{Err: err}
			continue
		}

		id := s.messageID()
		if err := gomail.Send(conn, s.build(m, id)); err != nil {
			items[i] = ItemResult{Err: fmt.Errorf("smtp send error: %w", err)}
			continue
		}
		items[i] = ItemResult{MessageID: id}
	}
	return items, nil
}

// Ping opens and closes one authenticated connection, without retries.
func (s *SMTP) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := s.dialer.Dial()
	if err != nil {
		return fmt.Errorf("smtp ping: %w", err)
	}
	return conn.Close()
}

// dial retries the connection with exponential backoff.
func (s *SMTP) dial(ctx context.Context) (gomail.SendCloser, error) {
	var conn gomail.SendCloser
	operation := func() error {
		c, err := s.dialer.Dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.dialTimeout

	notify := func(err error, wait time.Duration) {
		s.log.Warn("smtp dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("smtp dial error: %w", err)
	}
	return conn, nil
}

func (s *SMTP) build(msg models.OutboundMessage, id string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}
	return m
}

func (s *SMTP) messageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), s.hostname)
}
