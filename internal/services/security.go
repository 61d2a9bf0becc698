package services

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"fieldtrack-backend/internal/shifts"
)

// SecurityAlertService fans security events out to managers: structured log
// always, push notification for high-severity events. Implements
// shifts.SecurityEventSink. Failures never propagate back to the caller;
// the transition that raised the event must not roll back over a push.
type SecurityAlertService struct {
	db  *sqlx.DB
	fcm *FCMService
	log *zap.SugaredLogger
}

// NewSecurityAlertService builds the sink. fcm may be nil when push is not
// configured.
func NewSecurityAlertService(db *sqlx.DB, fcm *FCMService, log *zap.SugaredLogger) *SecurityAlertService {
	return &SecurityAlertService{db: db, fcm: fcm, log: log}
}

// Report logs the event and, for high severity, pushes to every manager
// device.
func (s *SecurityAlertService) Report(ctx context.Context, eventName, severity string, details map[string]string) {
	fields := []interface{}{"event", eventName, "severity", severity}
	for k, v := range details {
		fields = append(fields, k, v)
	}

	switch severity {
	case shifts.SeverityHigh:
		s.log.Warnw("🚨 security event", fields...)
	default:
		s.log.Infow("🔔 security event", fields...)
	}

	if s.fcm == nil || severity != shifts.SeverityHigh {
		return
	}

	tokens, err := s.managerTokens(ctx)
	if err != nil {
		s.log.Errorw("failed to load manager FCM tokens", "error", err)
		return
	}

	data := map[string]string{"type": "security_event", "event": eventName, "severity": severity}
	for k, v := range details {
		data[k] = v
	}

	if err := s.fcm.SendMulticast(ctx, tokens, "Security Alert", "Security event: "+eventName, data); err != nil {
		s.log.Errorw("failed to push security alert", "event", eventName, "error", err)
	}
}

func (s *SecurityAlertService) managerTokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT t.token FROM fcm_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE u.role IN ('manager', 'admin')`)
	return tokens, err
}
