package reward

import (
	"errors"
	"fmt"

	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

var (
	// ErrNoSpendableOutputs is returned when the platform address has no
	// eligible outputs to spend.
	ErrNoSpendableOutputs = errors.New("no spendable outputs")

	// ErrIndexerUnavailable is returned on transport failure, timeout, a
	// non-2xx status or an unparseable payload from the indexer.
	ErrIndexerUnavailable = errors.New("indexer unavailable")

	// ErrBroadcastRejected is matched by every *RejectedError
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrEmptyTransactionID is returned when a broadcast succeeds without an id
	ErrEmptyTransactionID = errors.New("indexer returned an empty transaction id")

	// ErrNoPlatformWallet is returned when no platform secret is configured
	ErrNoPlatformWallet = errors.New("no platform wallet configured")
)

// RejectedError carries the indexer's reason for refusing a transaction
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrBroadcastRejected
}

// Reason is the structured cause of a failed attempt
type Reason string

const (
	ReasonInvalidKeyEncoding Reason = "InvalidKeyEncoding"
	ReasonNoSpendableOutputs Reason = "NoSpendableOutputs"
	ReasonIndexerUnavailable Reason = "IndexerUnavailable"
	ReasonInsufficientFunds  Reason = "InsufficientFunds"
	ReasonSigningFailed      Reason = "SigningFailed"
	ReasonBroadcastRejected  Reason = "BroadcastRejected"
)

// Failure describes why an attempt ended in StateFailed
type Failure struct {
	Reason Reason

	// State is the state the attempt was in when it failed
	State State

	// Message is suitable for showing to the player
	Message string

	// Detail is the indexer's rejection reason, verbatim, for BroadcastRejected
	Detail string

	Err error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func newFailure(state State, err error) *Failure {
	f := &Failure{
		Reason:  classify(state, err),
		State:   state,
		Message: "Failed to send reward: " + err.Error(),
		Err:     err,
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		f.Detail = rejected.Reason
	}

	return f
}

// classify maps an error to a Reason. Errors that match no sentinel are
// attributed to the state they happened in.
func classify(state State, err error) Reason {
	switch {
	case errors.Is(err, wallet.ErrInvalidKeyEncoding):
		return ReasonInvalidKeyEncoding
	case errors.Is(err, ErrNoSpendableOutputs):
		return ReasonNoSpendableOutputs
	case errors.Is(err, ErrBroadcastRejected):
		return ReasonBroadcastRejected
	case errors.Is(err, ErrIndexerUnavailable):
		return ReasonIndexerUnavailable
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, wallet.ErrSigningFailed):
		return ReasonSigningFailed
	}

	switch state {
	case StateCheckingBalance, StateBroadcasting:
		return ReasonIndexerUnavailable
	default:
		return ReasonSigningFailed
	}
}
