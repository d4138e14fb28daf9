package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hashicorp/go-hclog"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
	"github.com/dan/vault-plugin-secrets-quizreward/wallet"
)

// UnspentLister is the indexer operation the UTXO source depends on
type UnspentLister interface {
	ListUnspent(ctx context.Context, address string) ([]indexer.UTXO, error)
}

// UTXOSource fetches spendable outputs fresh on every call. Results are never
// cached since the set changes with every broadcast.
type UTXOSource struct {
	client  UnspentLister
	params  *chaincfg.Params
	timeout time.Duration
	logger  hclog.Logger
}

// NewUTXOSource creates a UTXO source
func NewUTXOSource(client UnspentLister, params *chaincfg.Params, timeout time.Duration, logger hclog.Logger) *UTXOSource {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &UTXOSource{
		client:  client,
		params:  params,
		timeout: timeout,
		logger:  logger,
	}
}

// Fetch returns the spendable outputs of address in indexer order
func (s *UTXOSource) Fetch(ctx context.Context, address string) ([]wallet.UTXO, error) {
	script, err := wallet.GetScriptPubKey(address, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive locking script: %w", err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.ListUnspent(queryCtx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch UTXOs: %w", ErrIndexerUnavailable, err)
	}

	utxos := make([]wallet.UTXO, 0, len(raw))
	for _, u := range raw {
		if u.Value <= 0 {
			continue
		}
		if _, err := chainhash.NewHashFromStr(u.TxHash); err != nil || len(u.TxHash) != 2*chainhash.HashSize {
			return nil, fmt.Errorf("%w: indexer returned invalid txid %q", ErrIndexerUnavailable, u.TxHash)
		}

		utxos = append(utxos, wallet.UTXO{
			TxID:     u.TxHash,
			Vout:     u.TxPos,
			Value:    u.Value,
			PkScript: script,
		})
	}

	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w in platform wallet %s", ErrNoSpendableOutputs, address)
	}

	s.logger.Debug("fetched UTXOs", "address", address, "count", len(utxos), "skipped", len(raw)-len(utxos))

	return utxos, nil
}
