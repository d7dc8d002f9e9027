package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/trigger"
)

// Checker raises operational alerts after each trigger run.
type Checker struct {
	alerter *Alerter
}

// NewChecker creates a Checker.
func NewChecker(alerter *Alerter) *Checker {
	return &Checker{alerter: alerter}
}

// Observe evaluates a finished run and sends any alerts it raises. It
// returns the alerts raised.
func (c *Checker) Observe(ctx context.Context, r trigger.Report) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"), zap.String("run_id", r.RunID))

	alerts := c.alerter.Evaluate(r)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.Send(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
