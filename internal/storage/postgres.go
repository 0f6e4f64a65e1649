package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresBackend is a Backend backed by PostgreSQL. Documents live in a
// single JSONB table keyed by (collection, id).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Events ---

func (p *PostgresBackend) InsertEvent(ctx context.Context, e *models.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encoding event details: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO security_events (id, event_type, severity, timestamp, user_id, ip_address, user_agent, success, details)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, string(e.EventType), string(e.Severity), e.Timestamp,
		e.ActorUserID, e.IPAddress, e.UserAgent, e.Success, details,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (p *PostgresBackend) QueryEvents(ctx context.Context, filter EventFilter) ([]*models.SecurityEvent, error) {
	query, args := eventQuery(filter)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer rows.Close()

	events := []*models.SecurityEvent{}
	for rows.Next() {
		var e models.SecurityEvent
		var eventType, severity string
		var details []byte
		if err := rows.Scan(&e.ID, &eventType, &severity, &e.Timestamp, &e.ActorUserID,
			&e.IPAddress, &e.UserAgent, &e.Success, &details); err != nil {
			return nil, err
		}
		e.EventType = models.EventType(eventType)
		e.Severity = models.Severity(severity)
		e.Details = map[string]any{}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			log.Warn().Err(err).Str("event_id", e.ID).Msg("undecodable security event details")
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// eventQuery renders filter as a parameterised SELECT. Placeholders are
// numbered in the order the conditions are appended.
func eventQuery(filter EventFilter) (string, []any) {
	var query strings.Builder
	query.WriteString(`SELECT id::text, event_type, severity, timestamp, user_id, ip_address, user_agent, success, details FROM security_events WHERE 1=1`)
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&query, cond, len(args))
	}
	if filter.Since != nil {
		add(` AND timestamp >= $%d`, *filter.Since)
	}
	if filter.Until != nil {
		add(` AND timestamp <= $%d`, *filter.Until)
	}
	if filter.UserID != "" {
		add(` AND user_id = $%d`, filter.UserID)
	}
	if filter.EventType != "" {
		add(` AND event_type = $%d`, string(filter.EventType))
	}
	if filter.Severity != "" {
		add(` AND severity = $%d`, string(filter.Severity))
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	add(` LIMIT $%d`, filter.limit())
	if filter.Offset > 0 {
		add(` OFFSET $%d`, filter.Offset)
	}
	return query.String(), args
}

// --- Documents ---

func (p *PostgresBackend) InsertDocument(ctx context.Context, collection string, doc models.Document) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	body := make(models.Document, len(doc))
	for k, v := range doc {
		body[k] = v
	}
	body["id"] = id
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, body, created_at) VALUES ($1, $2, $3, $4)`,
		collection, id, data, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return id, nil
}

func (p *PostgresBackend) GetDocument(ctx context.Context, collection, id string) (models.Document, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return decodeDocument(data)
}

func (p *PostgresBackend) FindDocuments(ctx context.Context, collection, field string, value any) ([]models.Document, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND body->>$2 = $3 ORDER BY created_at`,
		collection, field, fmt.Sprint(value),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) UpdateDocument(ctx context.Context, collection, id string, fields models.Document) error {
	patch := make(models.Document, len(fields))
	for k, v := range fields {
		if k != "id" {
			patch[k] = v
		}
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encoding document patch: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET body = body || $3::jsonb WHERE collection = $1 AND id = $2`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteDocument(ctx context.Context, collection, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeDocument(data []byte) (models.Document, error) {
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}
