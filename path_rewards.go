package quizreward

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/vault/sdk/framework"
	"github.com/hashicorp/vault/sdk/logical"

	"github.com/dan/vault-plugin-secrets-quizreward/reward"
)

const rewardsStoragePrefix = "rewards/"

// rewardRecord is the audit entry for a broadcast reward
type rewardRecord struct {
	TxID        string    `json:"txid"`
	AttemptID   string    `json:"attempt_id"`
	Payee       string    `json:"payee"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee"`
	Question    int       `json:"question"`
	BroadcastAt time.Time `json:"broadcast_at"`
}

func newRewardRecord(a *reward.Attempt, question int) *rewardRecord {
	return &rewardRecord{
		TxID:        a.Result.TransactionID,
		AttemptID:   a.ID,
		Payee:       a.Result.PayeeAddress,
		Amount:      a.Result.AmountSatoshis,
		Fee:         a.Result.Fee,
		Question:    question,
		BroadcastAt: a.Result.BroadcastAt,
	}
}

func pathRewards(b *rewardBackend) []*framework.Path {
	return []*framework.Path{
		{
			Pattern: "rewards/?$",
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationSuffix: "rewards",
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ListOperation: &framework.PathOperation{
					Callback: b.pathRewardsList,
				},
			},
			HelpSynopsis:    pathRewardsListHelpSynopsis,
			HelpDescription: pathRewardsListHelpDescription,
		},
		{
			Pattern: "rewards/" + framework.GenericNameRegex("txid"),
			DisplayAttrs: &framework.DisplayAttributes{
				OperationPrefix: "quizreward",
				OperationSuffix: "reward",
			},
			Fields: map[string]*framework.FieldSchema{
				"txid": {
					Type:        framework.TypeLowerCaseString,
					Description: "Transaction ID of the reward",
					Required:    true,
				},
			},
			Operations: map[logical.Operation]framework.OperationHandler{
				logical.ReadOperation: &framework.PathOperation{
					Callback: b.pathRewardsRead,
				},
			},
			HelpSynopsis:    pathRewardsHelpSynopsis,
			HelpDescription: pathRewardsHelpDescription,
		},
	}
}

func (b *rewardBackend) pathRewardsList(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	entries, err := req.Storage.List(ctx, rewardsStoragePrefix)
	if err != nil {
		return nil, fmt.Errorf("error listing rewards: %w", err)
	}

	sort.Strings(entries)
	b.Logger().Debug("rewards listed", "count", len(entries))
	return logical.ListResponse(entries), nil
}

func (b *rewardBackend) pathRewardsRead(ctx context.Context, req *logical.Request, data *framework.FieldData) (*logical.Response, error) {
	txid := data.Get("txid").(string)

	record, err := getRewardRecord(ctx, req.Storage, txid)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	config, err := loadConfig(ctx, req.Storage)
	if err != nil {
		return nil, err
	}

	return &logical.Response{
		Data: map[string]interface{}{
			"txid":         record.TxID,
			"attempt_id":   record.AttemptID,
			"payee":        record.Payee,
			"amount":       record.Amount,
			"fee":          record.Fee,
			"question":     record.Question + 1,
			"broadcast_at": record.BroadcastAt.UTC().Format(time.RFC3339),
			"explorer_url": explorerURL(config.Network, record.TxID),
		},
	}, nil
}

func getRewardRecord(ctx context.Context, s logical.Storage, txid string) (*rewardRecord, error) {
	entry, err := s.Get(ctx, rewardsStoragePrefix+txid)
	if err != nil {
		return nil, fmt.Errorf("error retrieving reward: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	var record rewardRecord
	if err := entry.DecodeJSON(&record); err != nil {
		return nil, fmt.Errorf("error decoding reward: %w", err)
	}
	return &record, nil
}

func putRewardRecord(ctx context.Context, s logical.Storage, record *rewardRecord) error {
	entry, err := logical.StorageEntryJSON(rewardsStoragePrefix+record.TxID, record)
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := s.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving reward: %w", err)
	}
	return nil
}

const pathRewardsListHelpSynopsis = `
List paid rewards.
`

const pathRewardsListHelpDescription = `
This endpoint lists the transaction IDs of every reward that was broadcast.

Example:
  $ vault list quizreward/rewards
`

const pathRewardsHelpSynopsis = `
Read a paid reward.
`

const pathRewardsHelpDescription = `
This endpoint returns the record of one broadcast reward: the player address,
the amount and fee in satoshis, the question that earned it and a block
explorer link.

Example:
  $ vault read quizreward/rewards/<txid>
`
