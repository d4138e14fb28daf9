package quizreward

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
	"github.com/dan/vault-plugin-secrets-quizreward/quiz"
	"github.com/dan/vault-plugin-secrets-quizreward/reward"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

// envPlatformWIF is consulted when the config has no platform_wif
const envPlatformWIF = "QUIZREWARD_PLATFORM_WIF"

// rewardBackend defines the backend for the quiz reward secrets engine
type rewardBackend struct {
	*framework.Backend

	lock    sync.RWMutex
	client  *indexer.Client
	adapter *wallet.Adapter
	engine  *reward.Engine

	// quizLock serialises answers; a second answer while one is being
	// processed is refused rather than queued
	quizLock sync.Mutex
	bank     quiz.Bank

	clock  clock.Clock
	getenv func(string) string
}

// Factory creates a new backend instance
func Factory(ctx context.Context, conf *logical.BackendConfig) (logical.Backend, error) {
	b := backend()
	if err := b.Setup(ctx, conf); err != nil {
		return nil, err
	}
	return b, nil
}

func backend() *rewardBackend {
	b := &rewardBackend{
		bank:   quiz.DefaultBank(),
		clock:  clock.NewDefaultClock(),
		getenv: os.Getenv,
	}

	b.Backend = &framework.Backend{
		Help: strings.TrimSpace(backendHelp),
		PathsSpecial: &logical.Paths{
			SealWrapStorage: []string{
				"config",
				"wallet/",
			},
		},
		Paths: framework.PathAppend(
			pathConfig(b),
			pathWallet(b),
			pathWalletQR(b),
			pathBalances(b),
			pathQuiz(b),
			pathRewards(b),
		),
		Secrets:     []*framework.Secret{},
		BackendType: logical.TypeLogical,
		Invalidate:  b.invalidate,
		Clean:       b.cleanup,
	}

	return b
}

// invalidate resets the engine when configuration changes
func (b *rewardBackend) invalidate(ctx context.Context, key string) {
	if key == configStoragePath {
		b.reset()
	}
}

func (b *rewardBackend) cleanup(ctx context.Context) {
	b.reset()
}

// reset stops the engine and drops the indexer client
func (b *rewardBackend) reset() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.engine != nil {
		b.Logger().Debug("stopping reward engine")
		b.engine.Close()
		b.engine = nil
	}
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	b.adapter = nil
}

// getEngine returns the reward engine and wallet adapter, creating them from
// the stored config if necessary
func (b *rewardBackend) getEngine(ctx context.Context, s logical.Storage) (*reward.Engine, *wallet.Adapter, error) {
	b.lock.RLock()
	if b.engine != nil {
		defer b.lock.RUnlock()
		return b.engine, b.adapter, nil
	}
	b.lock.RUnlock()

	b.lock.Lock()
	defer b.lock.Unlock()

	// Double-check after acquiring write lock
	if b.engine != nil {
		return b.engine, b.adapter, nil
	}

	config, err := loadConfig(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	params, err := wallet.NetworkParams(config.Network)
	if err != nil {
		return nil, nil, err
	}

	client, err := indexer.NewClient(config.IndexerURL, b.Logger().Named("indexer"))
	if err != nil {
		return nil, nil, err
	}

	adapter := wallet.NewAdapter(params, wallet.FeePolicy{
		FeeRatePerKb: btcutil.Amount(config.FeeRatePerKb),
		DustLimit:    wallet.DefaultDustLimit,
	})

	secret := config.PlatformWIF
	if secret == "" {
		secret = strings.TrimSpace(b.getenv(envPlatformWIF))
		if secret != "" {
			b.Logger().Debug("using platform wallet from environment", "variable", envPlatformWIF)
		}
	}

	engine := reward.NewEngine(adapter, client, reward.Config{
		Params:         params,
		PlatformSecret: secret,
		RequestTimeout: config.RequestTimeout,
		SettleDelay:    config.SettleDelay,
		Clock:          b.clock,
		Logger:         b.Logger().Named("reward"),
	})

	b.Logger().Info("reward engine ready", "indexer", client.URL(), "network", config.Network,
		"fee_rate_per_kb", config.FeeRatePerKb)

	b.client = client
	b.adapter = adapter
	b.engine = engine
	return b.engine, b.adapter, nil
}

// explorerURL links a transaction on the public block explorer
func explorerURL(network, txid string) string {
	switch network {
	case "mainnet", "":
		return fmt.Sprintf("https://whatsonchain.com/tx/%s", txid)
	case "testnet":
		return fmt.Sprintf("https://test.whatsonchain.com/tx/%s", txid)
	default:
		return ""
	}
}

const backendHelp = `
The quiz reward secrets engine holds the platform and player wallets of a
quiz game and pays a 5 satoshi BSV reward from the platform wallet for every
correct answer.

The platform wallet secret is write-only. When it is not configured the engine
runs in degraded mode: the quiz works but no rewards are paid.

Endpoints:
  quizreward/config          - Indexer, network, fee and platform wallet settings
  quizreward/wallet          - Generate, import, read or delete the player wallet
  quizreward/wallet/qr       - QR code for the player receive address
  quizreward/balances        - Platform and player balances
  quizreward/quiz            - Current question and score
  quizreward/quiz/answer     - Answer the current question (pays the reward)
  quizreward/quiz/reset      - Start the quiz over
  quizreward/rewards/        - Paid rewards, by transaction id
`
