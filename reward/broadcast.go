package reward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
)

// TransactionSubmitter is the indexer operation the broadcaster depends on
type TransactionSubmitter interface {
	BroadcastTransaction(ctx context.Context, rawtx string) (string, error)
}

// Broadcaster submits signed transactions exactly once
type Broadcaster struct {
	client  TransactionSubmitter
	timeout time.Duration
	logger  hclog.Logger
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(client TransactionSubmitter, timeout time.Duration, logger hclog.Logger) *Broadcaster {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Broadcaster{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Submit sends the hex-encoded transaction to the indexer and returns the
// transaction id it reports.
//
// A 4xx answer is a definitive rejection and yields a *RejectedError. Anything
// else that goes wrong leaves the transaction's fate unknown and yields
// ErrIndexerUnavailable; the transaction is not re-sent.
func (b *Broadcaster) Submit(ctx context.Context, txHex string) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	txid, err := b.client.BroadcastTransaction(queryCtx, txHex)
	if err != nil {
		var statusErr *indexer.StatusError
		if errors.As(err, &statusErr) && statusErr.ClientError() {
			reason := statusErr.Reason()
			b.logger.Warn("transaction rejected by indexer", "status", statusErr.Code, "reason", reason)
			return "", &RejectedError{StatusCode: statusErr.Code, Reason: reason}
		}

		b.logger.Error("broadcast failed, transaction fate unknown", "error", err)
		return "", fmt.Errorf("%w: broadcast outcome unknown: %w", ErrIndexerUnavailable, err)
	}

	txid = strings.TrimSpace(txid)
	if txid == "" {
		b.logger.Error("broadcast returned no transaction id, transaction fate unknown")
		return "", fmt.Errorf("%w: %w", ErrIndexerUnavailable, ErrEmptyTransactionID)
	}

	return txid, nil
}
