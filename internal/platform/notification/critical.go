package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

// CriticalAlert describes the critical values found in one analyzed report.
type CriticalAlert struct {
	ReportID   string
	PatientRef string
	TestName   string
	OrderedBy  string
	RiskScore  int
	Values     []labinterp.ClassifiedResult
}

// CriticalValueNotifier pushes one message per critical value to the ordering
// clinician, or to the on-call recipient when the order has none.
type CriticalValueNotifier struct {
	manager *Manager
	onCall  string
	logger  zerolog.Logger
}

func NewCriticalValueNotifier(mgr *Manager, onCall string, logger zerolog.Logger) *CriticalValueNotifier {
	return &CriticalValueNotifier{manager: mgr, onCall: onCall, logger: logger}
}

// Recipient picks who receives the alert.
func (n *CriticalValueNotifier) Recipient(alert CriticalAlert) string {
	if r := strings.TrimSpace(alert.OrderedBy); r != "" {
		return r
	}
	return n.onCall
}

// NotifyCritical sends every alert value and joins the delivery errors.
func (n *CriticalValueNotifier) NotifyCritical(ctx context.Context, alert CriticalAlert) error {
	recipient := n.Recipient(alert)
	if recipient == "" {
		return errors.New("no recipient for critical value alert")
	}

	var errs []error
	for _, v := range alert.Values {
		data := map[string]string{
			"report_id":    alert.ReportID,
			"patient_ref":  alert.PatientRef,
			"test_name":    alert.TestName,
			"risk_score":   strconv.Itoa(alert.RiskScore),
			"parameter":    v.Parameter,
			"value":        v.Value,
			"unit":         v.Unit,
			"reading":      strings.TrimSpace(v.Value + " " + v.Unit),
			"status":       string(v.Status),
			"significance": strings.TrimSuffix(v.ClinicalSignificance, "."),
			"urgency":      v.Urgency,
		}
		notif, err := n.manager.SendFromTemplate(ctx, TemplateLabCriticalValue, data, recipient, "urgent")
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", v.Parameter, err))
			continue
		}
		n.logger.Info().
			Str("notification_id", notif.ID).
			Str("report_id", alert.ReportID).
			Str("parameter", v.Parameter).
			Str("recipient", recipient).
			Msg("critical value notification sent")
	}
	return errors.Join(errs...)
}
