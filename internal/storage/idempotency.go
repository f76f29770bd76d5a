package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIdempotencyPayloadMismatch means the same key was reused with a
	// different request body for the same (agent, endpoint).
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds the reservation.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup is the outcome of BeginIdempotency. Completed=true
// carries the stored response to replay; Completed=false with a nil error
// means the caller won the reservation.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (agent, endpoint, key) for processing, or
// reports what happened to an earlier request with the same key.
//
// Stale in-progress rows are never taken over. A request that committed a
// transfer and then crashed before CompleteIdempotency would otherwise let
// a retry move the money twice; the row blocks retries until
// CleanupIdempotencyKeys removes it.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	agentID, endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (agent_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		agentID, endpoint, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		// Fresh reservation, caller owns processing.
		return IdempotencyLookup{}, nil
	}
	return db.resolveExistingKey(ctx, agentID, endpoint, key, requestHash)
}

func (db *DB) resolveExistingKey(
	ctx context.Context,
	agentID, endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE agent_id = $1 AND endpoint = $2 AND idempotency_key = $3`,
		agentID, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}

	lookup := IdempotencyLookup{Completed: true, StatusCode: 200, ResponseData: responseData}
	if statusCode != nil {
		lookup.StatusCode = *statusCode
	}
	return lookup, nil
}

// CompleteIdempotency stores the final response for a reserved key.
func (db *DB) CompleteIdempotency(
	ctx context.Context,
	agentID, endpoint, key string,
	statusCode int,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed',
		     status_code = $4,
		     response_data = $5::jsonb,
		     updated_at = now()
		 WHERE agent_id = $1 AND endpoint = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		agentID, endpoint, key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation whose operation failed, so
// the client can retry with the same key.
func (db *DB) ClearInProgressIdempotency(
	ctx context.Context,
	agentID, endpoint, key string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE agent_id = $1 AND endpoint = $2 AND idempotency_key = $3
		   AND status = 'in_progress'`,
		agentID, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys deletes completed rows older than completedTTL and
// abandoned in-progress rows older than inProgressTTL, returning the count.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
