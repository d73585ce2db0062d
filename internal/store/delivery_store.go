package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/metabrainz/webhook-engine/internal/domain"
)

const deliveryColumns = "id, subscription_id, event_type, payload, status, response_status, " +
	"response_headers, response_body, error_message, retry_count, next_retry_at, created_at, updated_at"

// CreateDelivery inserts a pending delivery with the given payload bytes.
func (s *PostgresStore) CreateDelivery(ctx context.Context, subscriptionID int64, eventType string, payload []byte) (*domain.Delivery, error) {
	var d domain.Delivery
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery (id, subscription_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+deliveryColumns,
		uuid.NewString(), subscriptionID, eventType, payload, domain.StatusPending,
	).Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status,
		&d.ResponseStatus, &d.ResponseHeaders, &d.ResponseBody, &d.ErrorMessage,
		&d.RetryCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting delivery: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	var d domain.Delivery
	err := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM delivery WHERE id = $1
	`, id).Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status,
		&d.ResponseStatus, &d.ResponseHeaders, &d.ResponseBody, &d.ErrorMessage,
		&d.RetryCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return &d, nil
}

// MarkProcessing claims a pending delivery in a single committed step.
// Returns false when the row is not pending, i.e. another worker already
// holds it or it reached a terminal state.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE delivery SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusProcessing, domain.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claiming delivery: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RecordResult persists the outcome fields of a delivery attempt.
func (s *PostgresStore) RecordResult(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery
		SET status = $2, response_status = $3, response_headers = $4,
		    response_body = $5, error_message = $6, retry_count = $7,
		    next_retry_at = $8, updated_at = NOW()
		WHERE id = $1
	`, d.ID, d.Status, d.ResponseStatus, d.ResponseHeaders,
		d.ResponseBody, d.ErrorMessage, d.RetryCount, d.NextRetryAt)
	if err != nil {
		return fmt.Errorf("recording delivery result: %w", err)
	}
	return nil
}

// DeliveryFilter narrows ListDeliveries. Zero values mean "any".
type DeliveryFilter struct {
	SubscriptionID int64
	EventType      string
	Status         string
	ResponseStatus int
	Limit          int
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM delivery"
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if f.SubscriptionID != 0 {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, f.SubscriptionID)
		argIdx++
	}
	if f.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, f.EventType)
		argIdx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.ResponseStatus != 0 {
		conditions = append(conditions, fmt.Sprintf("response_status = $%d", argIdx))
		args = append(args, f.ResponseStatus)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		var d domain.Delivery
		err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status,
			&d.ResponseStatus, &d.ResponseHeaders, &d.ResponseBody, &d.ErrorMessage,
			&d.RetryCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, rows.Err()
}

// DueRetries returns ids of failed deliveries whose retry time has passed
// and whose subscription is still active.
func (s *PostgresStore) DueRetries(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id
		FROM delivery d
		JOIN subscription s ON s.id = d.subscription_id
		WHERE d.status = $1
		  AND d.next_retry_at IS NOT NULL
		  AND d.next_retry_at <= NOW()
		  AND s.is_active = TRUE
		ORDER BY d.next_retry_at
		LIMIT $2
	`, domain.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning delivery id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Stale returns ids of deliveries sitting untouched in the given status for
// at least olderThan: pending rows whose queue task was lost, or processing
// rows whose worker died mid-attempt.
func (s *PostgresStore) Stale(ctx context.Context, status string, olderThan time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM delivery
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale deliveries: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning delivery id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// MarkPending flips a failed or pending delivery back to pending and clears
// its last error, making it eligible for a worker pickup. Returns false for
// deliveries in any other state.
func (s *PostgresStore) MarkPending(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE delivery
		SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`, id, domain.StatusPending, domain.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("marking delivery pending: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ReconcileFailure moves a delivery stuck in pending or processing to failed
// with a scheduled retry. Used after the task runtime exhausts its own
// retries on infrastructure errors.
func (s *PostgresStore) ReconcileFailure(ctx context.Context, id, errMsg string, maxRetries int) (bool, error) {
	d, err := s.GetDelivery(ctx, id)
	if err != nil {
		return false, err
	}
	if d == nil || (d.Status != domain.StatusPending && d.Status != domain.StatusProcessing) {
		return false, nil
	}

	d.Status = domain.StatusFailed
	msg := domain.TruncateError(errMsg)
	d.ErrorMessage = &msg
	d.ScheduleRetry(maxRetries)
	if err := s.RecordResult(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteDelivered removes delivered rows created before cutoff. Failed and
// in-flight rows are kept for audit.
func (s *PostgresStore) DeleteDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM delivery WHERE status = $1 AND created_at < $2
	`, domain.StatusDelivered, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountDelivered reports how many rows DeleteDelivered would remove.
func (s *PostgresStore) CountDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery WHERE status = $1 AND created_at < $2
	`, domain.StatusDelivered, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting old deliveries: %w", err)
	}
	return count, nil
}
