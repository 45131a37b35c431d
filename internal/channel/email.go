package channel

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
	"github.com/wneessen/go-mail"
)

// DefaultEmailCost is the base price of the email channel.
var DefaultEmailCost = decimal.RequireFromString("0.005")

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// SSL selects implicit TLS; otherwise STARTTLS is required unless
	// Insecure is set.
	SSL      bool
	Insecure bool
	Timeout  time.Duration
	// Cost is the per-message price; nil uses DefaultEmailCost.
	Cost *decimal.Decimal
}

// Deliverer hands a built message to the network. The default dials SMTP.
type Deliverer func(ctx context.Context, m *mail.Msg) error

type Email struct {
	Base
	cfg     EmailConfig
	deliver Deliverer
	log     logx.Logger
}

type EmailOption func(e *Email)

// WithDeliverer replaces the SMTP delivery step.
func WithDeliverer(d Deliverer) EmailOption {
	return func(e *Email) {
		if d != nil {
			e.deliver = d
		}
	}
}

func NewEmail(cfg EmailConfig, log logx.Logger, opts ...EmailOption) (*Email, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
		if cfg.SSL {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	price := DefaultEmailCost
	if cfg.Cost != nil {
		price = *cfg.Cost
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Email{
		Base: NewBase("email", price),
		cfg:  cfg,
		log:  log.With(logx.String("comp", "channel.email")),
	}
	e.deliver = e.dialAndSend
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.deliver == nil {
		return nil, errors.New("email: no deliverer")
	}
	return e, nil
}

// Validate also requires a bare RFC 5322 address as recipient.
func (e *Email) Validate(n notification.Notification) bool {
	return e.Base.Validate(n) && validEmail(n.Recipient())
}

func validEmail(s string) bool {
	addr, err := netmail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// Send builds and delivers the message. Transport failures are logged and
// reported as (false, nil).
func (e *Email) Send(ctx context.Context, n notification.Notification) (bool, error) {
	m, err := e.build(n)
	if err != nil {
		e.log.Warn("email build failed", logx.String("id", n.ID()), logx.Err(err))
		return false, nil
	}
	if err := e.deliver(ctx, m); err != nil {
		e.log.Warn("email delivery failed",
			logx.String("id", n.ID()),
			logx.String("to", n.Recipient()),
			logx.Err(err),
		)
		return false, nil
	}
	e.log.Debug("email sent", logx.String("id", n.ID()), logx.String("to", n.Recipient()))
	return true, nil
}

func (e *Email) build(n notification.Notification) (*mail.Msg, error) {
	m := mail.NewMsg()
	if e.cfg.FromName != "" {
		if err := m.FromFormat(e.cfg.FromName, e.cfg.From); err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
	} else if err := m.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := m.To(n.Recipient()); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	subject := n.Subject()
	if subject == "" {
		subject = "Notification"
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, n.Message())

	switch n.Priority() {
	case notification.PriorityHigh:
		m.SetImportance(mail.ImportanceHigh)
	case notification.PriorityLow:
		m.SetImportance(mail.ImportanceLow)
	default:
		m.SetImportance(mail.ImportanceNormal)
	}
	return m, nil
}

// client builds the SMTP client for one delivery.
func (e *Email) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithTimeout(e.cfg.Timeout),
		mail.WithPort(e.cfg.Port),
	}
	switch {
	case e.cfg.SSL:
		opts = append(opts, mail.WithSSL())
	case e.cfg.Insecure:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if e.cfg.Username != "" && e.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	return mail.NewClient(e.cfg.Host, opts...)
}

func (e *Email) dialAndSend(ctx context.Context, m *mail.Msg) error {
	client, err := e.client()
	if err != nil {
		return fmt.Errorf("mail client: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return client.DialAndSendWithContext(ctx, m)
}
