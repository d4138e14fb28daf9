package quizreward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
	"github.com/dan/vault-plugin-secrets-quizreward/reward"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

const configStoragePath = "config"

const defaultNetwork = "mainnet"

// rewardConfig stores the secrets engine configuration
type rewardConfig struct {
	IndexerURL     string        `json:"indexer_url"`
	Network        string        `json:"network"`
	PlatformWIF    string        `json:"platform_wif,omitempty"`
	FeeRatePerKb   int           `json:"fee_rate_per_kb"`
	RequestTimeout time.Duration `json:"request_timeout"`
	SettleDelay    time.Duration `json:"settle_delay"`
}

func defaultConfig() *rewardConfig {
	return &rewardConfig{
		IndexerURL:     indexer.DefaultURL,
		Network:        defaultNetwork,
		FeeRatePerKb:   wallet.DefaultFeeRatePerKb,
		RequestTimeout: reward.DefaultRequestTimeout,
		SettleDelay:    reward.DefaultSettleDelay,
	}
}

func pathConfig(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "config",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
			},
			Fields: map[string]*framework.FieldSchema{
				"indexer_url": {
					Type:        framework.TypeString,
					Description: "Base URL of the WhatsOnChain-compatible indexer",
					Default:     indexer.DefaultURL,
				},
				"network": {
					Type:        framework.TypeString,
					Description: "BSV network: mainnet, testnet or regtest",
					Default:     defaultNetwork,
				},
				"platform_wif": {
					Type:        framework.TypeString,
					Description: "WIF of the platform wallet that pays rewards. Write-only.",
					DisplayAttrs: &framework.DisplayAttributes{
						Sensitive: true,
					},
				},
				"fee_rate_per_kb": {
					Type:        framework.TypeInt,
					Description: "Fee rate in satoshis per kilobyte (default: 10)",
					Default:     wallet.DefaultFeeRatePerKb,
				},
				"request_timeout": {
					Type:        framework.TypeDurationSecond,
					Description: "Timeout for each indexer request (default: 10s)",
					Default:     int(reward.DefaultRequestTimeout.Seconds()),
				},
				"settle_delay": {
					Type:        framework.TypeDurationSecond,
					Description: "Delay before balances are refreshed after a reward (default: 2s)",
					Default:     int(reward.DefaultSettleDelay.Seconds()),
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathConfigRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathConfigWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathConfigDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "config",
					},
				},
			},
			ExistenceCheck:  b.pathConfigExistenceCheck,
			HelpSynopsis:    pathConfigHelpSynopsis,
			HelpDescription: pathConfigHelpDescription,
		},
	}
}

func (b *rewardBackend) pathConfigExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	out, err := req.Storage.Get(ctx, configStoragePath)
	if err != nil {
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return out != nil, nil
}

func (b *rewardBackend) pathConfigRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("reading config")
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	if config == nil {
		b.Logger().Debug("no config found")
		return nil, nil
	}

	respData := map[string]interface{}{
		"indexer_url":     config.IndexerURL,
		"network":         config.Network,
		"fee_rate_per_kb": config.FeeRatePerKb,
		"request_timeout": int64(config.RequestTimeout.Seconds()),
		"settle_delay":    int64(config.SettleDelay.Seconds()),
	}

	source := "config"
	secret := config.PlatformWIF
	if secret == "" {
		secret = strings.TrimSpace(b.getenv(envPlatformWIF))
		source = "environment"
	}

	if secret == "" {
		respData["platform_wallet"] = "not configured - rewards are disabled"
	} else {
		respData["platform_wallet_source"] = source

		params, err := wallet.NetworkParams(config.Network)
		if err != nil {
			return nil, err
		}
		kp, err := wallet.FromEncodedSecret(secret, params)
		if err != nil {
			respData["platform_wallet"] = "invalid: " + err.Error()
		} else {
			respData["platform_address"] = kp.Address
		}
	}

	return &logical.Response{Data: respData}, nil
}

func (b *rewardBackend) pathConfigWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("writing config", "operation", req.Operation)
	config, err := getConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	createOperation := req.Operation == logical.CreateOperation

	if config == nil {
		if !createOperation {
			return nil, fmt.Errorf("config not found during update operation")
		}
		b.Logger().Debug("creating new config")
		config = defaultConfig()
	}

	if indexerURL, ok := data.GetOk("indexer_url"); ok {
		config.IndexerURL = strings.TrimSpace(indexerURL.(string))
	}

	if network, ok := data.GetOk("network"); ok {
		config.Network = network.(string)
	}

	if wif, ok := data.GetOk("platform_wif"); ok {
		config.PlatformWIF = strings.TrimSpace(wif.(string))
	}

	if feeRate, ok := data.GetOk("fee_rate_per_kb"); ok {
		config.FeeRatePerKb = feeRate.(int)
	}

	if timeout, ok := data.GetOk("request_timeout"); ok {
		config.RequestTimeout = time.Duration(timeout.(int)) * time.Second
	}

	if delay, ok := data.GetOk("settle_delay"); ok {
		config.SettleDelay = time.Duration(delay.(int)) * time.Second
	}

	params, err := wallet.NetworkParams(config.Network)
	if err != nil {
		return logical.ErrorResponse("network must be 'mainnet', 'testnet', or 'regtest'"), nil
	}

	if _, err := indexer.NewClient(config.IndexerURL, nil); err != nil {
		return logical.ErrorResponse(err.Error()), nil
	}

	if config.PlatformWIF != "" {
		if _, err := wallet.FromEncodedSecret(config.PlatformWIF, params); err != nil {
			return logical.ErrorResponse("invalid platform_wif: %s", err), nil
		}
	}

	if config.FeeRatePerKb < 0 {
		return logical.ErrorResponse("fee_rate_per_kb must be >= 0"), nil
	}

	if config.RequestTimeout <= 0 {
		return logical.ErrorResponse("request_timeout must be > 0"), nil
	}

	if config.SettleDelay < 0 {
		return logical.ErrorResponse("settle_delay must be >= 0"), nil
	}

	entry, err := logical.StorageEntryJSON(configStoragePath, config)
	if err != nil {
		return nil, err
	}

	if err := req.Storage.Put(ctx, entry); err != nil {
		return nil, err
	}

	// Reset the engine so the new config takes effect
	b.reset()

	b.Logger().Info("config saved", "network", config.Network, "indexer_url", config.IndexerURL,
		"fee_rate_per_kb", config.FeeRatePerKb, "platform_wallet", config.PlatformWIF != "")
	return nil, nil
}

func (b *rewardBackend) pathConfigDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("deleting config")
	err := req.Storage.Delete(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error deleting config: %w", err)
	}

	b.reset()

	b.Logger().Info("config deleted")
	return nil, nil
}

// getConfig retrieves the configuration from storage
func getConfig(ctx context.Context, s logical.Storage) (*rewardConfig, error) {
	entry, err := s.Get(ctx, configStoragePath)
	if err != nil {
		return nil, fmt.Errorf("error retrieving config: %w", err)
	}

	if entry == nil {
		return nil, nil
	}

	config := new(rewardConfig)
	if err := entry.DecodeJSON(config); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}

	return config, nil
}

// loadConfig returns the stored configuration with defaults for anything unset
func loadConfig(ctx context.Context, s logical.Storage) (*rewardConfig, error) {
	config, err := getConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	defaults := defaultConfig()
	if config == nil {
		return defaults, nil
	}

	if config.IndexerURL == "" {
		config.IndexerURL = defaults.IndexerURL
	}
	if config.Network == "" {
		config.Network = defaults.Network
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.SettleDelay < 0 {
		config.SettleDelay = defaults.SettleDelay
	}

	return config, nil
}

const pathConfigHelpSynopsis = `
Configure the quiz reward secrets engine.
`

const pathConfigHelpDescription = `
This endpoint configures the indexer, network, fee rate and platform wallet of
the quiz reward secrets engine.

Parameters:
  - indexer_url: WhatsOnChain-compatible indexer base URL
                 (default: https://api.whatsonchain.com/v1/bsv/main)
  - network: mainnet, testnet or regtest (default: mainnet)
  - platform_wif: WIF of the wallet that pays rewards (write-only)
  - fee_rate_per_kb: fee in satoshis per kilobyte (default: 10)
  - request_timeout: timeout for each indexer request (default: 10s)
  - settle_delay: wait before refreshing balances after a reward (default: 2s)

If platform_wif is not set, the QUIZREWARD_PLATFORM_WIF environment variable of
the plugin process is used. With neither, rewards are disabled.

Example:
  $ vault write quizreward/config \
      network=mainnet \
      platform_wif="L1..." \
      fee_rate_per_kb=10

Reading the config never returns the platform WIF, only its address:
  $ vault read quizreward/config
`
