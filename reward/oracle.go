package reward

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
)

// DefaultRequestTimeout bounds every indexer call
const DefaultRequestTimeout = 10 * time.Second

// BalanceFetcher is the indexer operation the oracle depends on
type BalanceFetcher interface {
	GetBalance(ctx context.Context, address string) (*indexer.Balance, error)
}

// FetchFailure classifies why a balance query failed
type FetchFailure string

const (
	FailureNone       FetchFailure = ""
	FailureTimeout    FetchFailure = "timeout"
	FailureHTTPStatus FetchFailure = "http_status"
	FailureMalformed  FetchFailure = "malformed"
	FailureTransport  FetchFailure = "transport"
)

// Balance is a point-in-time snapshot of an address balance. A failed query
// is represented as a zero Balance with FetchFailed set.
type Balance struct {
	Address     string
	Confirmed   int64
	Unconfirmed int64
	ObservedAt  time.Time
	FetchFailed bool
	Failure     FetchFailure
	Err         error
}

// Total returns confirmed plus unconfirmed, floored at zero. The raw fields
// are left untouched.
func (b Balance) Total() int64 {
	total := b.Confirmed + b.Unconfirmed
	if total < 0 {
		return 0
	}
	return total
}

// Message returns a player-facing description of a failed fetch, or "" if
// the fetch succeeded.
func (b Balance) Message() string {
	switch {
	case !b.FetchFailed:
		return ""
	case b.Failure == FailureTimeout:
		return "Balance fetch timed out. Please try again."
	default:
		return "Unable to fetch balance. The service might be temporarily unavailable."
	}
}

// BalanceOracle queries balances and remembers the latest result per address.
// Responses that arrive after a newer query for the same address was issued
// are returned to their caller but never stored.
type BalanceOracle struct {
	client  BalanceFetcher
	timeout time.Duration
	clock   clock.Clock
	logger  hclog.Logger

	mu     sync.Mutex
	issued map[string]uint64
	latest map[string]Balance
}

// NewBalanceOracle creates a balance oracle
func NewBalanceOracle(client BalanceFetcher, timeout time.Duration, clk clock.Clock, logger hclog.Logger) *BalanceOracle {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &BalanceOracle{
		client:  client,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
		issued:  make(map[string]uint64),
		latest:  make(map[string]Balance),
	}
}

// Fetch queries the balance of address. It never fails: errors produce a
// degraded Balance. If ctx is cancelled before the query resolves nothing is
// stored.
func (o *BalanceOracle) Fetch(ctx context.Context, address string) Balance {
	o.mu.Lock()
	o.issued[address]++
	seq := o.issued[address]
	o.mu.Unlock()

	queryCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.GetBalance(queryCtx, address)

	var balance Balance
	if err != nil {
		failure := classifyFetch(queryCtx, err)
		o.logger.Warn("balance fetch failed", "address", address, "failure", failure, "error", err)
		balance = Balance{
			Address:     address,
			ObservedAt:  o.clock.Now(),
			FetchFailed: true,
			Failure:     failure,
			Err:         err,
		}
	} else {
		balance = Balance{
			Address:     address,
			Confirmed:   resp.Confirmed,
			Unconfirmed: resp.Unconfirmed,
			ObservedAt:  o.clock.Now(),
		}
	}

	if ctx.Err() != nil {
		return balance
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.issued[address] != seq {
		o.logger.Debug("discarding stale balance", "address", address, "seq", seq, "latest", o.issued[address])
		return balance
	}
	o.latest[address] = balance

	return balance
}

// Latest returns the stored balance for address
func (o *BalanceOracle) Latest(address string) (Balance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.latest[address]
	return b, ok
}

func classifyFetch(ctx context.Context, err error) FetchFailure {
	var statusErr *indexer.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &statusErr):
		return FailureHTTPStatus
	case errors.Is(err, indexer.ErrMalformedResponse):
		return FailureMalformed
	default:
		return FailureTransport
	}
}
