package quizreward

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/skip2/go-qrcode"

	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

func pathWalletQR(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "wallet/qr",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
			},
			Fields: map[string]*framework.FieldSchema{
				"size": {
					Type:        framework.TypeInt,
					Description: "QR code size in pixels (default: 256)",
					Default:     256,
				},
				"format": {
					Type:        framework.TypeString,
					Description: "Output format: 'png' (base64) or 'ascii' (default: png)",
					Default:     "png",
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathWalletQRRead,
					DisplayAttrs: &framework.DisplayAttributes{
						OperationSuffix: "qr",
					},
				},
			},
			HelpSynopsis:    pathWalletQRHelpSynopsis,
			HelpDescription: pathWalletQRHelpDescription,
		},
	}
}

func (b *rewardBackend) pathWalletQRRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	size := data.Get("size").(int)
	format := data.Get("format").(string)

	b.Logger().Debug("QR code request", "format", format, "size", size)

	if size < 64 || size > 1024 {
		return logical.ErrorResponse("size must be between 64 and 1024"), nil
	}
	if format != "png" && format != "ascii" {
		return logical.ErrorResponse("format must be 'png' or 'ascii'"), nil
	}

	_, adapter, err := b.getEngine(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	kp, _, err := loadUserWallet(ctx, req.Storage, adapter)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidKeyEncoding) {
			return logical.ErrorResponse("stored player wallet is not valid on this network: %s", err), nil
		}
		return nil, err
	}
	if kp == nil {
		return logical.ErrorResponse("no player wallet - generate one with: vault write -f quizreward/wallet"), nil
	}

	uri := wallet.PaymentURI(kp.Address)

	respData := map[string]interface{}{
		"address": kp.Address,
		"uri":     uri,
	}

	if format == "ascii" {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr"] = qr.ToSmallString(false)
		respData["display_hint"] = "vault read -field=qr quizreward/wallet/qr format=ascii"
	} else {
		png, err := qrcode.Encode(uri, qrcode.Medium, size)
		if err != nil {
			return nil, fmt.Errorf("failed to generate QR code: %w", err)
		}
		respData["qr_png"] = base64.StdEncoding.EncodeToString(png)
	}

	return &logical.Response{Data: respData}, nil
}

const pathWalletQRHelpSynopsis = `
Get a QR code for the player wallet address.
`

const pathWalletQRHelpDescription = `
This endpoint returns a QR code for the player wallet address so it can be
funded or inspected from a mobile wallet. The QR code contains a bitcoin: URI.

Example:
  $ vault read quizreward/wallet/qr
  $ vault read quizreward/wallet/qr size=512

For ASCII format, use -field to display correctly in terminal:
  $ vault read -field=qr quizreward/wallet/qr format=ascii

Parameters:
  - size: QR code size in pixels (default: 256, range: 64-1024)
  - format: 'png' for base64-encoded PNG, 'ascii' for terminal display

Response:
  - address: The player address
  - uri: bitcoin:address
  - qr_png: Base64-encoded PNG (if format=png)
  - qr: ASCII art QR code (if format=ascii)
`
