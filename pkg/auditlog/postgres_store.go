package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql/driver
	_ "github.com/lib/pq"              // registers the "postgres" sql/driver (goose compatibility)
)

// PostgresStore persists audit_events rows with the hash column indexed,
// as spec §6 requires of a database-backed audit log. Schema is managed by
// the goose migrations in cmd/orchestratord/migrations.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens (and pings) a pgx-backed connection pool.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to audit database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, event Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	row := struct {
		Event
		Details []byte `db:"details"`
	}{Event: event, Details: detailsJSON}

	query := `
		INSERT INTO audit_events
			(event_id, timestamp, category, action, severity, actor, resource_id,
			 outcome, details, correlation_id, parent_event_id, hash, previous_hash)
		VALUES
			(:event_id, :timestamp, :category, :action, :severity, :actor, :resource_id,
			 :outcome, :details, :correlation_id, :parent_event_id, :hash, :previous_hash)`
	_, err = s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Event, error) {
	clauses := []string{"1=1"}
	args := map[string]any{}

	if filter.Category != "" {
		clauses = append(clauses, "category = :category")
		args["category"] = string(filter.Category)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = :severity")
		args["severity"] = string(filter.Severity)
	}
	if filter.Actor != "" {
		clauses = append(clauses, "actor = :actor")
		args["actor"] = filter.Actor
	}
	if filter.ResourceID != "" {
		clauses = append(clauses, "resource_id = :resource_id")
		args["resource_id"] = filter.ResourceID
	}
	if filter.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = :correlation_id")
		args["correlation_id"] = filter.CorrelationID
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args["limit"] = limit

	query := fmt.Sprintf(
		`SELECT event_id, timestamp, category, action, severity, actor, resource_id,
		        outcome, details, correlation_id, parent_event_id, hash, previous_hash
		 FROM audit_events
		 WHERE %s
		 ORDER BY timestamp DESC
		 LIMIT :limit`, strings.Join(clauses, " AND "))

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) All(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT event_id, timestamp, category, action, severity, actor, resource_id,
		       outcome, details, correlation_id, parent_event_id, hash, previous_hash
		FROM audit_events
		ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("scan audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Next() bool
	StructScan(dest any) error
}

func scanEvents(rows rowScanner) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var row struct {
			Event
			Details []byte `db:"details"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		if len(row.Details) > 0 {
			if err := json.Unmarshal(row.Details, &row.Event.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit event details: %w", err)
			}
		}
		out = append(out, row.Event)
	}
	return out, nil
}
