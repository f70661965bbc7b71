// Package notification delivers operator alerts for conditions that need a
// human: divergences the reconciler could not repair on its own.
package notification

import (
	"fmt"
	"time"

	"devchain/pkg/logger"
	"devchain/pkg/mailer"
)

// AlertService emails operators. It never blocks callers on SMTP: sends run
// in a goroutine and a delivery failure is logged, not returned.
type AlertService struct {
	mail   *mailer.Mailer
	to     string
	logger logger.Logger
}

// NewAlertService returns nil when no recipient or SMTP host is configured;
// callers treat a nil service as alerting disabled.
func NewAlertService(mail *mailer.Mailer, to string, log logger.Logger) *AlertService {
	if to == "" || mail == nil || !mail.Configured() {
		return nil
	}
	return &AlertService{mail: mail, to: to, logger: log}
}

// DivergenceAbandoned reports that the mirror row for serial could not be
// repaired within the retry budget and now needs manual attention.
func (s *AlertService) DivergenceAbandoned(serial string, attempts int, lastErr error) {
	subject := fmt.Sprintf("[devchain] mirror divergence unresolved: %s", serial)
	body := fmt.Sprintf(
		"Mirror repair for device %s was abandoned after %d attempts at %s.\n\nLast error: %v\n\nThe ledger remains authoritative; run the reconcile sweep once the mirror store is reachable.\n",
		serial, attempts, time.Now().UTC().Format(time.RFC3339), lastErr,
	)

	go func() {
		if err := s.mail.Send(s.to, subject, body); err != nil {
			s.logger.Error("Failed to deliver divergence alert", map[string]interface{}{
				"serial": serial,
				"error":  err.Error(),
			})
		}
	}()
}
