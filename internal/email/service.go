package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/carouselio/broadcast-api/internal/config"
	"github.com/carouselio/broadcast-api/internal/model"
	"github.com/carouselio/broadcast-api/pkg/circuitbreaker"
)

type Service interface {
	SendCustom(ctx context.Context, to string, subject string, content string) error
	SendBroadcast(ctx context.Context, to string, content model.Content) error
}

// Dialer is the part of gomail.Dialer the service needs.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPService struct {
	dialer  Dialer
	from    string
	breaker *circuitbreaker.CircuitBreaker
}

func NewSMTPService(cfg config.SMTPConfig) *SMTPService {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return NewSMTPServiceWithDialer(d, cfg)
}

func NewSMTPServiceWithDialer(d Dialer, cfg config.SMTPConfig) *SMTPService {
	from := cfg.From
	if cfg.FromName != "" && cfg.From != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}
	return &SMTPService{
		dialer: d,
		from:   from,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
		}),
	}
}

func (s *SMTPService) SendCustom(ctx context.Context, to string, subject string, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return fmt.Errorf("invalid recipient address %q", to)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", content)

	err := s.breaker.Execute(func() error {
		return s.dialer.DialAndSend(m)
	})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *SMTPService) SendBroadcast(ctx context.Context, to string, content model.Content) error {
	body := content.Body
	if content.CTAURL != "" {
		label := content.CTALabel
		if label == "" {
			label = content.CTAURL
		}
		body += fmt.Sprintf(`<p><a href="%s">%s</a></p>`, html.EscapeString(content.CTAURL), html.EscapeString(label))
	}
	return s.SendCustom(ctx, to, content.Subject, body)
}

// BreakerState exposes the transport breaker for readiness checks.
func (s *SMTPService) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}
