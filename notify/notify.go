// Package notify delivers price alerts. The alert scan decides what to
// send; these types decide how.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/alerts"
)

// LogNotifier writes each alert as a structured log event. It is the
// default when no broker is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, a alerts.Alert) error {
	n.log.Info().
		Str("event", "price_drop_detected").
		Str("recipient", a.Recipient).
		Str("product_id", a.ProductID).
		Str("platform", string(a.Platform)).
		Str("old_price", a.OldPrice.StringFixed(2)).
		Str("new_price", a.NewPrice.StringFixed(2)).
		Str("target_price", a.TargetPrice.StringFixed(2)).
		Msg("price drop alert")
	return nil
}

// Multi sends every alert to each notifier in turn and joins the errors.
type Multi []alerts.Notifier

func (m Multi) Notify(ctx context.Context, a alerts.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ alerts.Notifier = (*LogNotifier)(nil)
	_ alerts.Notifier = Multi(nil)
)
