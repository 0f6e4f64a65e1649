package models

import "time"

// EventType is the closed set of security event kinds.
type EventType string

const (
	EventLoginSuccess         EventType = "login_success"
	EventLoginFailed          EventType = "login_failed"
	EventLogout               EventType = "logout"
	EventPasswordResetRequest EventType = "password_reset_request"
	EventPasswordResetSuccess EventType = "password_reset_success"

	EventUnauthorizedAccess         EventType = "unauthorized_access"
	EventPrivilegeEscalationAttempt EventType = "privilege_escalation_attempt"
	EventAdminAction                EventType = "admin_action"

	EventSensitiveDataAccess   EventType = "sensitive_data_access"
	EventSensitiveDataModified EventType = "sensitive_data_modified"
	EventSensitiveDataDeleted  EventType = "sensitive_data_deleted"

	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventXSSAttemptBlocked   EventType = "xss_attempt_blocked"
	EventSQLInjectionBlocked EventType = "sql_injection_blocked"
	EventEncryptionError     EventType = "encryption_error"

	EventAccountCreated  EventType = "account_created"
	EventAccountDeleted  EventType = "account_deleted"
	EventAccountLocked   EventType = "account_locked"
	EventAccountUnlocked EventType = "account_unlocked"
)

// Severity ranks a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var defaultSeverity = map[EventType]Severity{
	EventLoginSuccess:               SeverityLow,
	EventLoginFailed:                SeverityMedium,
	EventLogout:                     SeverityLow,
	EventPasswordResetRequest:       SeverityLow,
	EventPasswordResetSuccess:       SeverityMedium,
	EventUnauthorizedAccess:         SeverityHigh,
	EventPrivilegeEscalationAttempt: SeverityCritical,
	EventAdminAction:                SeverityHigh,
	EventSensitiveDataAccess:        SeverityMedium,
	EventSensitiveDataModified:      SeverityHigh,
	EventSensitiveDataDeleted:       SeverityHigh,
	EventRateLimitExceeded:          SeverityMedium,
	EventSuspiciousActivity:         SeverityHigh,
	EventXSSAttemptBlocked:          SeverityCritical,
	EventSQLInjectionBlocked:        SeverityCritical,
	EventEncryptionError:            SeverityHigh,
	EventAccountCreated:             SeverityLow,
	EventAccountDeleted:             SeverityHigh,
	EventAccountLocked:              SeverityHigh,
	EventAccountUnlocked:            SeverityMedium,
}

// Valid reports whether t belongs to the taxonomy.
func (t EventType) Valid() bool {
	_, ok := defaultSeverity[t]
	return ok
}

// DefaultSeverity returns the severity normally attached to t, or medium for unknown types.
func DefaultSeverity(t EventType) Severity {
	if s, ok := defaultSeverity[t]; ok {
		return s
	}
	return SeverityMedium
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Elevated is true for high and critical events.
func (s Severity) Elevated() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// SecurityEvent is one append-only record in the security log.
type SecurityEvent struct {
	ID          string         `json:"id" bson:"_id"`
	EventType   EventType      `json:"event_type" bson:"event_type"`
	Severity    Severity       `json:"severity" bson:"severity"`
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	ActorUserID string         `json:"user_id,omitempty" bson:"user_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	Success     bool           `json:"success" bson:"success"`
	Details     map[string]any `json:"details" bson:"details"`
}
