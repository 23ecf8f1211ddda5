// Пакет mail — отправка писем через SMTP (wneessen/go-mail).
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gomail "github.com/wneessen/go-mail"
)

var emailsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "di_emails_total",
	Help: "Количество отправленных писем по результату.",
}, []string{"result"})

// Options — параметры SMTP.
type Options struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RequireTLS bool
	Timeout    time.Duration
}

// Sender отправляет текстовые письма через SMTP.
// Каждое письмо — отдельное соединение.
type Sender struct {
	opts   Options
	logger *slog.Logger
}

// NewSender создаёт SMTP-отправителя.
func NewSender(opts Options, logger *slog.Logger) *Sender {
	return &Sender{
		opts:   opts,
		logger: logger.With(slog.String("component", "mail")),
	}
}

// Send отправляет текстовое письмо одному адресату.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(s.opts.From); err != nil {
		return fmt.Errorf("недопустимый адрес отправителя %q: %w", s.opts.From, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("недопустимый адрес получателя %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	client, err := gomail.NewClient(s.opts.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("ошибка создания SMTP-клиента: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		emailsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("ошибка отправки письма: %w", err)
	}

	emailsTotal.WithLabelValues("sent").Inc()
	s.logger.Debug("Письмо отправлено", slog.String("subject", subject))
	return nil
}

func (s *Sender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.opts.Port),
		gomail.WithTimeout(s.opts.Timeout),
	}
	if s.opts.RequireTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if s.opts.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.opts.Username),
			gomail.WithPassword(s.opts.Password),
		)
	}
	return opts
}
