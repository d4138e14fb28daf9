package reward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

const (
	// RewardAmount is the number of satoshis paid per correct answer
	RewardAmount int64 = 5

	// DefaultSettleDelay is how long reconciliation waits for a broadcast
	// transaction to show up in balance queries
	DefaultSettleDelay = 2 * time.Second
)

// Wallet is the key and transaction surface the engine depends on
type Wallet interface {
	Generate() (*wallet.KeyPair, error)
	FromEncodedSecret(secret string) (*wallet.KeyPair, error)
	DeriveAddress(kp *wallet.KeyPair) string
	BuildAndSign(payer *wallet.KeyPair, payeeAddress string, amount int64, utxos []wallet.UTXO) (*wallet.PaymentTransaction, error)
	EncodeTransaction(tx *wallet.PaymentTransaction) (string, error)
}

// Indexer is the union of the three indexer operations
type Indexer interface {
	BalanceFetcher
	UnspentLister
	TransactionSubmitter
}

// State of a disbursement attempt
type State int

const (
	StateIdle State = iota
	StateCheckingBalance
	StateBuildingTransaction
	StateBroadcasting
	StateReconciling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingBalance:
		return "checking_balance"
	case StateBuildingTransaction:
		return "building_transaction"
	case StateBroadcasting:
		return "broadcasting"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is what became of a trigger
type Outcome int

const (
	// OutcomeDisbursed means the reward was broadcast
	OutcomeDisbursed Outcome = iota

	// OutcomeSkipped means the pre-check declined to attempt a disbursement
	OutcomeSkipped

	// OutcomeDropped means another attempt was in flight
	OutcomeDropped

	// OutcomeFailed means the attempt ended in StateFailed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDisbursed:
		return "disbursed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DisbursementResult is the immutable record of a broadcast reward
type DisbursementResult struct {
	TransactionID  string
	PayeeAddress   string
	AmountSatoshis int64
	Fee            int64
	BroadcastAt    time.Time
}

// Attempt tracks one trigger. Outcome, Result, Failure and SkipReason are set
// before OnCorrectAnswer returns and never change afterwards.
type Attempt struct {
	ID         string
	Payee      string
	StartedAt  time.Time
	Outcome    Outcome
	SkipReason string
	Result     *DisbursementResult
	Failure    *Failure

	mu              sync.Mutex
	state           State
	platformBalance *Balance
	payeeBalance    *Balance
	done            chan struct{}
}

func newAttempt(payee string, now time.Time) *Attempt {
	return &Attempt{
		ID:        uuid.NewString(),
		Payee:     payee,
		StartedAt: now,
		done:      make(chan struct{}),
	}
}

// State returns the current state of the attempt
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Celebrate reports whether the player should be shown a success effect
func (a *Attempt) Celebrate() bool {
	return a.Outcome == OutcomeDisbursed
}

// Done returns a channel closed once the attempt reaches a terminal state
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt is Done or Failed, or ctx ends
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconciled returns the balances observed after settling. ok is false until
// reconciliation has run.
func (a *Attempt) Reconciled() (platform, payee Balance, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.platformBalance == nil || a.payeeBalance == nil {
		return Balance{}, Balance{}, false
	}
	return *a.platformBalance, *a.payeeBalance, true
}

func (a *Attempt) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// finish moves the attempt to a terminal or resting state and releases waiters
func (a *Attempt) finish(s State) {
	a.setState(s)
	close(a.done)
}

// Config holds the engine settings
type Config struct {
	Params         *chaincfg.Params
	PlatformSecret string
	RequestTimeout time.Duration
	SettleDelay    time.Duration
	Clock          clock.Clock
	Logger         hclog.Logger
}

// Engine pays RewardAmount from the platform wallet for each correct answer.
// At most one attempt is in flight at a time, including its reconciliation.
type Engine struct {
	wallet      Wallet
	oracle      *BalanceOracle
	utxos       *UTXOSource
	broadcaster *Broadcaster

	params      *chaincfg.Params
	platform    *wallet.KeyPair
	platformErr error
	settleDelay time.Duration
	clock       clock.Clock
	logger      hclog.Logger

	inFlight atomic.Bool

	mu   sync.Mutex
	last *Attempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. A missing or undecodable platform secret does
// not fail construction: the engine runs in degraded mode where every
// trigger is skipped (missing) or fails with InvalidKeyEncoding (undecodable).
func NewEngine(w Wallet, idx Indexer, cfg Config) *Engine {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		wallet:      w,
		oracle:      NewBalanceOracle(idx, cfg.RequestTimeout, cfg.Clock, cfg.Logger.Named("oracle")),
		utxos:       NewUTXOSource(idx, cfg.Params, cfg.RequestTimeout, cfg.Logger.Named("utxo")),
		broadcaster: NewBroadcaster(idx, cfg.RequestTimeout, cfg.Logger.Named("broadcast")),
		params:      cfg.Params,
		settleDelay: cfg.SettleDelay,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.PlatformSecret == "" {
		e.platformErr = ErrNoPlatformWallet
		e.logger.Warn("no platform wallet configured, rewards disabled")
		return e
	}

	kp, err := w.FromEncodedSecret(cfg.PlatformSecret)
	if err != nil {
		e.platformErr = fmt.Errorf("platform wallet: %w", err)
		e.logger.Error("failed to load platform wallet", "error", err)
		return e
	}

	e.platform = kp
	e.logger.Info("platform wallet loaded", "address", w.DeriveAddress(kp))

	return e
}

// PlatformAddress returns the platform wallet address, if one is loaded
func (e *Engine) PlatformAddress() (string, bool) {
	if e.platform == nil {
		return "", false
	}
	return e.wallet.DeriveAddress(e.platform), true
}

// PlatformError returns why the platform wallet is unavailable, or nil
func (e *Engine) PlatformError() error {
	return e.platformErr
}

// FetchBalance queries and stores the balance of any address
func (e *Engine) FetchBalance(ctx context.Context, address string) Balance {
	return e.oracle.Fetch(ctx, address)
}

// RefreshPlatformBalance queries the platform balance used by the pre-check
func (e *Engine) RefreshPlatformBalance(ctx context.Context) (Balance, bool) {
	addr, ok := e.PlatformAddress()
	if !ok {
		return Balance{}, false
	}
	return e.oracle.Fetch(ctx, addr), true
}

// LastKnownBalance returns the most recent stored balance for address
func (e *Engine) LastKnownBalance(address string) (Balance, bool) {
	return e.oracle.Latest(address)
}

// Last returns the most recent attempt that was not dropped, once its outcome
// is known
func (e *Engine) Last() *Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Busy reports whether an attempt is in flight
func (e *Engine) Busy() bool {
	return e.inFlight.Load()
}

// OnCorrectAnswer pays RewardAmount to payee. It returns as soon as the
// attempt has been broadcast, skipped, dropped or has failed; reconciliation
// continues in the background. The error is non-nil only for an invalid payee.
func (e *Engine) OnCorrectAnswer(ctx context.Context, payee string) (*Attempt, error) {
	if err := wallet.ValidateAddress(payee, e.params); err != nil {
		return nil, fmt.Errorf("invalid payee address: %w", err)
	}

	a := newAttempt(payee, e.clock.Now())
	logger := e.logger.With("attempt", a.ID, "payee", payee)

	if errors.Is(e.platformErr, ErrNoPlatformWallet) {
		return e.skip(a, logger, "no platform wallet configured"), nil
	}

	if !e.inFlight.CompareAndSwap(false, true) {
		logger.Debug("reward attempt already in flight, dropping trigger")
		a.Outcome = OutcomeDropped
		a.finish(StateIdle)
		return a, nil
	}

	reconciling := false
	defer func() {
		if !reconciling {
			e.publish(a)
			e.inFlight.Store(false)
		}
	}()

	if e.platformErr != nil {
		return e.fail(a, logger, StateIdle, e.platformErr), nil
	}

	platformAddr := e.wallet.DeriveAddress(e.platform)
	known, ok := e.oracle.Latest(platformAddr)
	if !ok || known.Total() < RewardAmount {
		return e.skip(a, logger, fmt.Sprintf("platform balance %d below reward amount %d", known.Total(), RewardAmount)), nil
	}

	a.setState(StateCheckingBalance)
	utxos, err := e.utxos.Fetch(ctx, platformAddr)
	if err != nil {
		return e.fail(a, logger, StateCheckingBalance, err), nil
	}

	a.setState(StateBuildingTransaction)
	tx, err := e.wallet.BuildAndSign(e.platform, payee, RewardAmount, utxos)
	if err != nil {
		return e.fail(a, logger, StateBuildingTransaction, err), nil
	}
	txHex, err := e.wallet.EncodeTransaction(tx)
	if err != nil {
		return e.fail(a, logger, StateBuildingTransaction, err), nil
	}

	logger.Debug("built reward transaction", "txid", tx.TxID(), "inputs", len(tx.Inputs),
		"fee", tx.Fee, "change", tx.ChangeAmount())

	a.setState(StateBroadcasting)
	txid, err := e.broadcaster.Submit(ctx, txHex)
	if err != nil {
		return e.fail(a, logger, StateBroadcasting, err), nil
	}
	if txid != tx.TxID() {
		logger.Warn("indexer reported a different transaction id", "local", tx.TxID(), "indexer", txid)
	}

	a.Outcome = OutcomeDisbursed
	a.Result = &DisbursementResult{
		TransactionID:  txid,
		PayeeAddress:   payee,
		AmountSatoshis: RewardAmount,
		Fee:            tx.Fee,
		BroadcastAt:    e.clock.Now(),
	}
	a.setState(StateReconciling)
	logger.Info("reward sent", "txid", txid, "amount", RewardAmount)

	e.publish(a)
	reconciling = true
	e.wg.Add(1)
	go e.reconcile(a, platformAddr, logger)

	return a, nil
}

// publish makes a as the latest attempt visible to Last. Outcome fields must
// be final.
func (e *Engine) publish(a *Attempt) {
	e.mu.Lock()
	e.last = a
	e.mu.Unlock()
}

func (e *Engine) skip(a *Attempt, logger hclog.Logger, reason string) *Attempt {
	logger.Debug("skipping reward", "reason", reason)
	a.Outcome = OutcomeSkipped
	a.SkipReason = reason
	a.finish(StateIdle)
	return a
}

func (e *Engine) fail(a *Attempt, logger hclog.Logger, state State, err error) *Attempt {
	a.Outcome = OutcomeFailed
	a.Failure = newFailure(state, err)
	logger.Warn("reward failed", "state", state, "reason", a.Failure.Reason, "error", err)
	a.finish(StateFailed)
	return a
}

// reconcile waits for the settle delay and refreshes both balances once.
// The result is informational and never changes the attempt's outcome.
func (e *Engine) reconcile(a *Attempt, platformAddr string, logger hclog.Logger) {
	defer func() {
		// Done is visible before the guard is released, and the guard is
		// released before waiters wake
		a.setState(StateDone)
		e.inFlight.Store(false)
		close(a.done)
		e.wg.Done()
	}()

	select {
	case <-e.clock.TickAfter(e.settleDelay):
	case <-e.ctx.Done():
		return
	}

	var (
		g               errgroup.Group
		platform, payee Balance
	)
	g.Go(func() error {
		platform = e.oracle.Fetch(e.ctx, platformAddr)
		return nil
	})
	g.Go(func() error {
		payee = e.oracle.Fetch(e.ctx, a.Payee)
		return nil
	})
	_ = g.Wait()

	a.mu.Lock()
	a.platformBalance = &platform
	a.payeeBalance = &payee
	a.mu.Unlock()

	logger.Debug("reconciled balances", "platform", platform.Total(), "payee", payee.Total(),
		"platform_failed", platform.FetchFailed, "payee_failed", payee.FetchFailed)
}

// Close stops pending reconciliations and waits for them to exit
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}
