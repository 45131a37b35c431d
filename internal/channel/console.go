package channel

import (
	"context"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
)

// Console writes notifications to the operational log. It never fails and is
// free by default, which makes it the usual default_channel in development.
type Console struct {
	Base
	log logx.Logger
}

func NewConsole(name string, cost decimal.Decimal, log logx.Logger) *Console {
	if name == "" {
		name = "console"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{Base: NewBase(name, cost), log: log.With(logx.String("comp", "channel."+name))}
}

func (c *Console) Send(ctx context.Context, n notification.Notification) (bool, error) {
	_ = ctx
	fields := []logx.Field{
		logx.String("id", n.ID()),
		logx.String("to", n.Recipient()),
		logx.Int("priority", n.Priority()),
		logx.String("message", n.Message()),
	}
	if s := n.Subject(); s != "" {
		fields = append(fields, logx.String("subject", s))
	}
	c.log.Info("notification", fields...)
	return true, nil
}
