package audit

import (
	"context"

	"github.com/org/citaguard/pkg/models"
)

const maxLoggedInput = 200

// LogLoginAttempt records a login outcome.
func (l *Logger) LogLoginAttempt(ctx context.Context, userID, email string, success bool, client ClientInfo, failureReason string) string {
	t := models.EventLoginSuccess
	if !success {
		t = models.EventLoginFailed
	}
	details := map[string]any{"email": email, "method": "token"}
	if !success && failureReason != "" {
		details["failure_reason"] = failureReason
	}
	return l.LogEvent(ctx, Entry{
		Type:    t,
		UserID:  userID,
		Client:  client,
		Success: success,
		Details: details,
	})
}

// LogUnauthorizedAccess records a denied attempt to act on resource.
func (l *Logger) LogUnauthorizedAccess(ctx context.Context, userID, resource, action string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventUnauthorizedAccess,
		UserID:  userID,
		Client:  client,
		Details: map[string]any{"resource": resource, "action": action},
	})
}

// LogAdminAction records an administrative action on targetUserID.
func (l *Logger) LogAdminAction(ctx context.Context, adminID, action, targetUserID string, client ClientInfo, extra map[string]any) string {
	details := map[string]any{}
	for k, v := range extra {
		details[k] = v
	}
	details["action"] = action
	details["target_user_id"] = targetUserID
	return l.LogEvent(ctx, Entry{
		Type:    models.EventAdminAction,
		UserID:  adminID,
		Client:  client,
		Success: true,
		Details: details,
	})
}

// LogSensitiveDataAccess records an operation on sensitive data. Reads are
// medium severity; updates and deletes are high.
func (l *Logger) LogSensitiveDataAccess(ctx context.Context, userID, dataType, resourceID, action string, client ClientInfo) string {
	t := models.EventSensitiveDataAccess
	severity := models.SeverityMedium
	switch action {
	case "update":
		t = models.EventSensitiveDataModified
		severity = models.SeverityHigh
	case "delete":
		t = models.EventSensitiveDataDeleted
		severity = models.SeverityHigh
	case "read":
	default:
		severity = models.SeverityHigh
	}
	return l.LogEvent(ctx, Entry{
		Type:     t,
		Severity: severity,
		UserID:   userID,
		Client:   client,
		Success:  true,
		Details:  map[string]any{"data_type": dataType, "resource_id": resourceID, "action": action},
	})
}

// LogXSSAttempt records input rejected as script injection.
func (l *Logger) LogXSSAttempt(ctx context.Context, userID, field, input string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventXSSAttemptBlocked,
		UserID:  userID,
		Client:  client,
		Details: map[string]any{"field": field, "malicious_input": truncate(input)},
	})
}

// LogInjectionAttempt records input rejected as query injection.
func (l *Logger) LogInjectionAttempt(ctx context.Context, userID, field, input string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventSQLInjectionBlocked,
		UserID:  userID,
		Client:  client,
		Details: map[string]any{"field": field, "malicious_input": truncate(input)},
	})
}

// LogRateLimitExceeded records a throttled request.
func (l *Logger) LogRateLimitExceeded(ctx context.Context, userID, endpoint string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventRateLimitExceeded,
		UserID:  userID,
		Client:  client,
		Details: map[string]any{"endpoint": endpoint},
	})
}

// LogAccountCreated records a new account.
func (l *Logger) LogAccountCreated(ctx context.Context, userID, email string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventAccountCreated,
		UserID:  userID,
		Client:  client,
		Success: true,
		Details: map[string]any{"email": email},
	})
}

// LogAccountDeleted records an account removal performed by deletedBy.
func (l *Logger) LogAccountDeleted(ctx context.Context, userID, deletedBy string, client ClientInfo) string {
	return l.LogEvent(ctx, Entry{
		Type:    models.EventAccountDeleted,
		UserID:  userID,
		Client:  client,
		Success: true,
		Details: map[string]any{"deleted_by": deletedBy},
	})
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxLoggedInput {
		return s
	}
	return string(r[:maxLoggedInput]) + "..."
}
