package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/citaguard/pkg/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Collections used by the service.
const (
	CollectionSecurityLogs    = "security_logs"
	CollectionEmergencyPhones = "emergency_phones"
)

// EventStore persists security events. It is append-only: there is no way
// to update or delete an event through it.
type EventStore interface {
	InsertEvent(ctx context.Context, event *models.SecurityEvent) error
	QueryEvents(ctx context.Context, filter EventFilter) ([]*models.SecurityEvent, error)
}

// DocumentStore is an opaque keyed store of schemaless documents.
// Documents carry their key under "id".
type DocumentStore interface {
	// InsertDocument stores doc, assigning an id if it has none, and returns the id.
	InsertDocument(ctx context.Context, collection string, doc models.Document) (string, error)
	GetDocument(ctx context.Context, collection, id string) (models.Document, error)
	// FindDocuments returns documents whose field equals value, oldest first.
	FindDocuments(ctx context.Context, collection, field string, value any) ([]models.Document, error)
	// UpdateDocument merges fields into an existing document.
	UpdateDocument(ctx context.Context, collection, id string, fields models.Document) error
	DeleteDocument(ctx context.Context, collection, id string) error
}

// Backend is a complete storage backend.
type Backend interface {
	EventStore
	DocumentStore
	Ping(ctx context.Context) error
	Close()
}

// EventFilter selects security events. Zero fields do not filter.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	UserID    string
	EventType models.EventType
	Severity  models.Severity
	Limit     int
	Offset    int
}

// DefaultEventLimit caps queries that do not set a limit.
const DefaultEventLimit = 100

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultEventLimit
	}
	return f.Limit
}

func (f EventFilter) matches(e *models.SecurityEvent) bool {
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.UserID != "" && e.ActorUserID != f.UserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return true
}
