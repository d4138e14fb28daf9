package quizreward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/dan/vault-plugin-secrets-quizreward/reward"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

func pathWallet(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallet",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
			},
			Fields: map[string]*framework.FieldSchema{
				"wif": {
					Type:        framework.TypeString,
					Description: "WIF to import. If omitted on write, a new wallet is generated.",
					DisplayAttrs: &framework.DisplayAttributes{
						Sensitive: true,
					},
				},
				"reveal": {
					Type:        framework.TypeBool,
					Description: "Return the full WIF instead of a blurred one (default: false)",
					Default:     false,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.CreateOperation: &framework.PathOperation{
					Callback: b.pathWalletWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.UpdateOperation: &framework.PathOperation{
					Callback: b.pathWalletWrite,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
				logical.DeleteOperation: &framework.PathOperation{
					Callback: b.pathWalletDelete,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "wallet",
					},
				},
			},
			ExistenceCheck:  b.pathWalletExistenceCheck,
			HelpSynopsis:    pathWalletHelpSynopsis,
			HelpDescription: pathWalletHelpDescription,
		},
	}
}

func (b *rewardBackend) pathWalletExistenceCheck(ctx context.Context, req *logical.Request, data *framework.FieldData) (bool, error) {
	secret, err := newKeyStore(req.Storage).Get(ctx, userWalletKey)
	if err != nil {
		return false, err
	}
	return secret != "", nil
}

func (b *rewardBackend) pathWalletRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	reveal := data.Get("reveal").(bool)
	b.Logger().Debug("reading player wallet", "reveal", reveal)

	engine, adapter, err := b.getEngine(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	kp, secret, err := loadUserWallet(ctx, req.Storage, adapter)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidKeyEncoding) {
			return logical.ErrorResponse("stored player wallet is not valid on this network: %s", err), nil
		}
		return nil, err
	}

	if kp == nil {
		b.Logger().Debug("no player wallet")
		return nil, nil
	}

	balance := engine.FetchBalance(ctx, kp.Address)
	return &logical.Response{Data: walletResponse(kp, secret, reveal, balance)}, nil
}

func (b *rewardBackend) pathWalletWrite(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	reveal := data.Get("reveal").(bool)

	engine, adapter, err := b.getEngine(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	var kp *wallet.KeyPair
	if raw, ok := data.GetOk("wif"); ok && strings.TrimSpace(raw.(string)) != "" {
		kp, err = adapter.FromEncodedSecret(raw.(string))
		if err != nil {
			return logical.ErrorResponse("failed to import wallet: %s", err), nil
		}
		b.Logger().Info("imported player wallet", "address", adapter.DeriveAddress(kp))
	} else {
		kp, err = adapter.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate wallet: %w", err)
		}
		b.Logger().Info("generated player wallet", "address", adapter.DeriveAddress(kp))
	}

	secret, err := kp.EncodedSecret()
	if err != nil {
		return nil, err
	}

	if err := newKeyStore(req.Storage).Set(ctx, userWalletKey, secret); err != nil {
		return nil, err
	}

	balance := engine.FetchBalance(ctx, kp.Address)
	return &logical.Response{Data: walletResponse(kp, secret, reveal, balance)}, nil
}

func (b *rewardBackend) pathWalletDelete(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	b.Logger().Debug("deleting player wallet")

	if err := newKeyStore(req.Storage).Delete(ctx, userWalletKey); err != nil {
		return nil, err
	}

	b.Logger().Info("player wallet deleted")
	return nil, nil
}

// loadUserWallet returns the stored player wallet, or nil if there is none
func loadUserWallet(ctx context.Context, s logical.Storage, adapter *wallet.Adapter) (*wallet.KeyPair, string, error) {
	secret, err := newKeyStore(s).Get(ctx, userWalletKey)
	if err != nil {
		return nil, "", err
	}

	if secret == "" {
		return nil, "", nil
	}

	kp, err := adapter.FromEncodedSecret(secret)
	if err != nil {
		return nil, "", err
	}

	return kp, secret, nil
}

func walletResponse(kp *wallet.KeyPair, secret string, reveal bool, balance reward.Balance) map[string]interface{} {
	wif := wallet.BlurSecret(secret)
	if reveal {
		wif = secret
	}

	respData := map[string]interface{}{
		"address": kp.Address,
		"wif":     wif,
	}
	for k, v := range balanceData(balance) {
		respData[k] = v
	}

	return respData
}

const pathWalletHelpSynopsis = `
Manage the player wallet that receives rewards.
`

const pathWalletHelpDescription = `
This endpoint manages the single player wallet. Rewards for correct answers
are paid to its address.

To generate a new wallet (replaces the current one):
  $ vault write -f quizreward/wallet

To import an existing wallet:
  $ vault write quizreward/wallet wif="L1..."

To view the address and balance (the WIF is blurred):
  $ vault read quizreward/wallet

To view the full WIF:
  $ vault read quizreward/wallet reveal=true

WARNING: Generating or importing a wallet replaces the stored WIF. Move any
funds first.
`
