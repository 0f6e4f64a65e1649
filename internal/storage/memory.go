package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/org/citaguard/pkg/models"
)

// MemoryBackend keeps everything in process memory. It is meant for
// development and tests; data is lost on restart.
type MemoryBackend struct {
	mu     sync.RWMutex
	events []*models.SecurityEvent
	docs   map[string]map[string]models.Document
	order  map[string][]string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:  map[string]map[string]models.Document{},
		order: map[string][]string{},
	}
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryBackend) Close()                         {}

func (m *MemoryBackend) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *event
	m.mu.Lock()
	m.events = append(m.events, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) QueryEvents(ctx context.Context, filter EventFilter) ([]*models.SecurityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var matched []*models.SecurityEvent
	for _, e := range m.events {
		if filter.matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if filter.Offset >= len(matched) {
		return []*models.SecurityEvent{}, nil
	}
	matched = matched[filter.Offset:]
	if n := filter.limit(); len(matched) > n {
		matched = matched[:n]
	}
	return matched, nil
}

func (m *MemoryBackend) InsertDocument(ctx context.Context, collection string, doc models.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	cp := copyDocument(doc)
	cp["id"] = id

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = map[string]models.Document{}
	}
	if _, exists := m.docs[collection][id]; !exists {
		m.order[collection] = append(m.order[collection], id)
	}
	m.docs[collection][id] = cp
	return id, nil
}

func (m *MemoryBackend) GetDocument(ctx context.Context, collection, id string) (models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (m *MemoryBackend) FindDocuments(ctx context.Context, collection, field string, value any) ([]models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Document{}
	for _, id := range m.order[collection] {
		doc, ok := m.docs[collection][id]
		if ok && doc[field] == value {
			out = append(out, copyDocument(doc))
		}
	}
	return out, nil
}

func (m *MemoryBackend) UpdateDocument(ctx context.Context, collection, id string, fields models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	return nil
}

func (m *MemoryBackend) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return ErrNotFound
	}
	delete(m.docs[collection], id)
	ids := m.order[collection]
	for i, v := range ids {
		if v == id {
			m.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func copyDocument(doc models.Document) models.Document {
	cp := make(models.Document, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}
