package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/takara/internal/ctxutil"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// idempotencyHandle identifies a reservation taken by beginIdempotentWrite.
// A nil handle means the request carried no Idempotency-Key.
type idempotencyHandle struct {
	key      string
	endpoint string
	agentID  string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite resolves the request's Idempotency-Key before a money
// mutation runs. The bool reports whether the caller should proceed: false
// means a response (replay, conflict, or error) has already been written.
func (h *Handlers) beginIdempotentWrite(
	w http.ResponseWriter,
	r *http.Request,
	agentID, endpoint string,
	payload any,
) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), agentID, endpoint, key, hash)
	if errors.Is(err, storage.ErrIdempotencyPayloadMismatch) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	}
	if errors.Is(err, storage.ErrIdempotencyInProgress) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	}
	if err != nil {
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}

	if lookup.Completed {
		h.replayStoredResponse(w, r, lookup)
		return nil, false
	}
	return &idempotencyHandle{key: key, endpoint: endpoint, agentID: agentID}, true
}

func (h *Handlers) replayStoredResponse(w http.ResponseWriter, r *http.Request, lookup storage.IdempotencyLookup) {
	var replay any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &replay); err != nil {
			h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", err)
			return
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, r, status, replay)
}

// completeIdempotentWrite records the response for a reservation. It runs
// under its own background deadline: the mutation has already committed, so
// finalization must not be cut short by the client hanging up.
func (h *Handlers) completeIdempotentWrite(
	idem *idempotencyHandle,
	statusCode int,
	data any,
) error {
	if idem == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = h.db.CompleteIdempotency(writeCtx, idem.agentID, idem.endpoint, idem.key, statusCode, data)
		if lastErr == nil {
			return nil
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt,
			"error", lastErr,
			"endpoint", idem.endpoint,
			"agent_id", idem.agentID,
		)

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("idempotency finalize context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("failed to complete idempotency record after retries: %w", lastErr)
}

// completeIdempotentWriteBestEffort logs instead of failing when
// finalization cannot be recorded; the mutation response already went out.
func (h *Handlers) completeIdempotentWriteBestEffort(
	r *http.Request,
	idem *idempotencyHandle,
	statusCode int,
	data any,
) {
	if err := h.completeIdempotentWrite(idem, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed mutation",
			"error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
	}
}

// clearIdempotentWrite releases a reservation after the operation failed,
// letting the client retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(r.Context(), idem.agentID, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"agent_id", idem.agentID,
		)
	}
}
