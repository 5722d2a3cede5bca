package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher fans alerts out to every notifier. A send counts as delivered
// when at least one notifier succeeds; errors are logged, never returned.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    zerolog.Logger
	observe   func(kind, notifier string, ok bool)
}

// NewDispatcher wraps notifiers. timeout bounds each individual send.
func NewDispatcher(notifiers []Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// OnResult registers a hook called after every notifier attempt.
func (d *Dispatcher) OnResult(fn func(kind, notifier string, ok bool)) {
	d.observe = fn
}

// Len returns the number of configured notifiers.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// SendSingleAlert delivers a single-timeframe alert.
func (d *Dispatcher) SendSingleAlert(ctx context.Context, a SingleAlert) bool {
	return d.fanout(ctx, "single", a.Symbol, func(ctx context.Context, n Notifier) error {
		return n.NotifySingle(ctx, a)
	})
}

// SendCompositeAlert delivers a multi-timeframe alert.
func (d *Dispatcher) SendCompositeAlert(ctx context.Context, a CompositeAlert) bool {
	return d.fanout(ctx, "composite", a.Symbol, func(ctx context.Context, n Notifier) error {
		return n.NotifyComposite(ctx, a)
	})
}

func (d *Dispatcher) fanout(ctx context.Context, kind, symbol string, send func(context.Context, Notifier) error) bool {
	if len(d.notifiers) == 0 {
		d.logger.Warn().Str("symbol", symbol).Str("kind", kind).Msg("no notifiers configured; alert not delivered")
		return false
	}

	delivered := false
	for _, n := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := send(sendCtx, n)
		cancel()

		ok := err == nil
		if d.observe != nil {
			d.observe(kind, n.Name(), ok)
		}
		if !ok {
			d.logger.Error().Err(err).Str("notifier", n.Name()).Str("symbol", symbol).Str("kind", kind).Msg("alert delivery failed")
			continue
		}
		delivered = true
	}
	return delivered
}
