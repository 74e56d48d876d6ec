// Package audit provides security audit logging for SIEM consumption.
// Events are logged in structured JSON format so they can be filtered out of
// the regular service log.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLInjectionAttempt is logged when libinjection flags search input.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventLookupLoad is logged when an administrator starts a lookup bulk load.
	EventLookupLoad SecurityEventType = "lookup_load"
	// EventRuntimeReload is logged when an administrator reloads the runtime.
	EventRuntimeReload SecurityEventType = "runtime_reload"
)

// RequestInfo identifies the caller behind an event.
type RequestInfo struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
}

type requestInfoKey struct{}

// WithRequestInfo attaches caller details to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the caller details attached to ctx, or the
// zero value.
func RequestInfoFromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// SecurityEvent represents an auditable security event.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	RequestInfo
	Details  any    `json:"details"`
	Severity string `json:"severity"` // info, warning, critical
}

// SQLInjectionDetails contains specifics of flagged search input.
type SQLInjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
	Endpoint    string `json:"endpoint"`
}

// SecurityAuditor logs security events.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates an auditor logging under the "security_audit" name.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records flagged search input at ERROR level with
// "critical" severity. Caller details come from ctx (see WithRequestInfo).
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, details SQLInjectionDetails) {
	info := RequestInfoFromContext(ctx)
	event := a.event(EventSQLInjectionAttempt, info, details, "critical")

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", event),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("endpoint", details.Endpoint),
		zap.String("client_ip", info.ClientIP),
		zap.String("user_id", info.UserID),
		zap.String("request_id", info.RequestID),
		zap.String("severity", "critical"),
	)
}

// LogAdminAction records an administrative operation at INFO level.
func (a *SecurityAuditor) LogAdminAction(ctx context.Context, eventType SecurityEventType, details map[string]string) {
	info := RequestInfoFromContext(ctx)
	event := a.event(eventType, info, details, "info")

	a.logger.Info("Administrative action",
		zap.String("event_json", event),
		zap.String("event_type", string(eventType)),
		zap.String("client_ip", info.ClientIP),
		zap.String("request_id", info.RequestID),
		zap.String("severity", "info"),
	)
}

func (a *SecurityAuditor) event(eventType SecurityEventType, info RequestInfo, details any, severity string) string {
	event := SecurityEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		RequestInfo: info,
		Details:     details,
		Severity:    severity,
	}
	// Marshaling these known types cannot fail.
	eventJSON, _ := json.Marshal(event)
	return string(eventJSON)
}
