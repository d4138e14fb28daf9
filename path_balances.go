package quizreward

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"golang.org/x/sync/errgroup"

	"github.com/dan/vault-plugin-secrets-quizreward/reward"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

func pathBalances(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "balances",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationSuffix: "balances",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathBalancesRead,
				},
			},
			HelpSynopsis:    pathBalancesHelpSynopsis,
			HelpDescription: pathBalancesHelpDescription,
		},
	}
}

func (b *rewardBackend) pathBalancesRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	engine, adapter, err := b.getEngine(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	player, _, err := loadUserWallet(ctx, req.Storage, adapter)
	if err != nil && !errors.Is(err, wallet.ErrInvalidKeyEncoding) {
		return nil, err
	}

	var (
		g               errgroup.Group
		platformBalance reward.Balance
		playerBalance   reward.Balance
	)

	platformAddr, hasPlatform := engine.PlatformAddress()
	if hasPlatform {
		g.Go(func() error {
			platformBalance, _ = engine.RefreshPlatformBalance(ctx)
			return nil
		})
	}
	if player != nil {
		g.Go(func() error {
			playerBalance = engine.FetchBalance(ctx, player.Address)
			return nil
		})
	}
	_ = g.Wait()

	respData := map[string]interface{}{}

	if hasPlatform {
		platform := balanceData(platformBalance)
		platform["address"] = platformAddr
		respData["platform"] = platform
	} else {
		respData["platform"] = nil
		if perr := engine.PlatformError(); perr != nil {
			respData["platform_error"] = "Failed to initialize platform wallet: " + perr.Error()
		}
	}

	if player != nil {
		p := balanceData(playerBalance)
		p["address"] = player.Address
		respData["player"] = p
	} else {
		respData["player"] = nil
	}

	return &logical.Response{Data: respData}, nil
}

// balanceData renders a balance the way every path reports it
func balanceData(bal reward.Balance) map[string]interface{} {
	data := map[string]interface{}{
		"confirmed":   bal.Confirmed,
		"unconfirmed": bal.Unconfirmed,
		"total":       bal.Total(),
	}
	if !bal.ObservedAt.IsZero() {
		data["observed_at"] = bal.ObservedAt.UTC().Format(time.RFC3339)
	}
	if bal.FetchFailed {
		data["balance_error"] = bal.Message()
		data["failure"] = string(bal.Failure)
	}
	return data
}

const pathBalancesHelpSynopsis = `
Read the platform and player wallet balances.
`

const pathBalancesHelpDescription = `
This endpoint queries the indexer for the current balance of the platform
wallet and the player wallet. Balances include unconfirmed transactions; the
total is never reported below zero.

A balance that could not be fetched is reported as zero with a balance_error
explaining whether the request timed out or the indexer was unavailable.

Example:
  $ vault read quizreward/balances
`
