package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles audit_logs PostgreSQL operations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists a single audit log entry.
func (r *Repository) Insert(ctx context.Context, log *AuditLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	detailsJSON := log.Details
	if len(detailsJSON) == 0 {
		detailsJSON = json.RawMessage(`{}`)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, profile_id, event_type, severity, resource_type, resource_id, details, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		log.ID, log.ProfileID, log.EventType, log.Severity, log.ResourceType, log.ResourceID,
		detailsJSON, log.RequestID, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// ListByProfile returns paginated audit logs for a profile with optional filters.
func (r *Repository) ListByProfile(ctx context.Context, profileID string, params ListParams) ([]AuditLog, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}

	where, args := buildFilter(profileID, params)
	argIdx := len(args) + 1

	// Count query
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_logs WHERE %s", where)
	var totalCount int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting audit logs: %w", err)
	}

	// Data query
	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		`SELECT id, profile_id, event_type, severity, resource_type, resource_id, details, request_id, created_at
		 FROM audit_logs WHERE %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, params.PageSize)
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.ProfileID, &l.EventType, &l.Severity,
			&l.ResourceType, &l.ResourceID, &l.Details, &l.RequestID, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning audit log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating audit logs: %w", err)
	}

	return logs, totalCount, nil
}

// buildFilter returns the WHERE clause and its positional arguments.
func buildFilter(profileID string, params ListParams) (string, []any) {
	conditions := []string{"profile_id = $1"}
	args := []any{profileID}

	add := func(column, op string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", column, op, len(args)))
	}

	if params.EventType != "" {
		add("event_type", "=", params.EventType)
	}
	if params.Severity != "" {
		add("severity", "=", params.Severity)
	}
	if params.From != nil {
		add("created_at", ">=", *params.From)
	}
	if params.To != nil {
		add("created_at", "<=", *params.To)
	}

	return strings.Join(conditions, " AND "), args
}
