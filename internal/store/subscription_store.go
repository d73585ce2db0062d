package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/metabrainz/webhook-engine/internal/domain"
)

const subscriptionColumns = "id, name, url, secret, events, is_active, created_at, updated_at"

// CreateSubscription inserts a subscription with a freshly generated secret.
// The caller is responsible for surfacing the secret to the operator; it is
// never emitted by any read path afterwards.
func (s *PostgresStore) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	var sub domain.Subscription
	err = s.pool.QueryRow(ctx, `
		INSERT INTO subscription (name, url, secret, events)
		VALUES ($1, $2, $3, $4)
		RETURNING `+subscriptionColumns,
		req.Name, req.URL, secret, req.Events,
	).Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
		&sub.Events, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscription WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
		&sub.Events, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscription ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	subscriptions := []domain.Subscription{}
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
			&sub.Events, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}

	return subscriptions, rows.Err()
}

// UpdateSubscription applies the non-nil fields of req. The secret is
// immutable and cannot be touched by this path.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id int64, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if req.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *req.Name)
		argIdx++
	}
	if req.URL != nil {
		setClauses = append(setClauses, fmt.Sprintf("url = $%d", argIdx))
		args = append(args, *req.URL)
		argIdx++
	}
	if req.Events != nil {
		setClauses = append(setClauses, fmt.Sprintf("events = $%d", argIdx))
		args = append(args, *req.Events)
		argIdx++
	}
	if req.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *req.IsActive)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(
		"UPDATE subscription SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argIdx, subscriptionColumns,
	)
	args = append(args, id)

	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
		&sub.Events, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription; its deliveries cascade.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id int64) (bool, error) {
	result, err := s.pool.Exec(ctx, "DELETE FROM subscription WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("deleting subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// FindActiveForEvent returns all active subscriptions whose event set
// contains eventType.
func (s *PostgresStore) FindActiveForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscription
		WHERE is_active = TRUE AND $1 = ANY(events)
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding subscriptions for event: %w", err)
	}
	defer rows.Close()

	subscriptions := []domain.Subscription{}
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.Name, &sub.URL, &sub.Secret,
			&sub.Events, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}

	return subscriptions, rows.Err()
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return domain.SecretPrefix + hex.EncodeToString(bytes), nil
}
