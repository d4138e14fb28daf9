package wallet

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// Adapter binds the key, build and encode operations to one network and fee
// policy.
type Adapter struct {
	params *chaincfg.Params
	policy FeePolicy
}

// NewAdapter creates an adapter for the given network parameters
func NewAdapter(params *chaincfg.Params, policy FeePolicy) *Adapter {
	return &Adapter{params: params, policy: policy}
}

func (a *Adapter) Generate() (*KeyPair, error) {
	return Generate(a.params)
}

func (a *Adapter) FromEncodedSecret(secret string) (*KeyPair, error) {
	return FromEncodedSecret(secret, a.params)
}

func (a *Adapter) DeriveAddress(kp *KeyPair) string {
	return DeriveAddress(kp)
}

func (a *Adapter) BuildAndSign(payer *KeyPair, payeeAddress string, amount int64, utxos []UTXO) (*PaymentTransaction, error) {
	return Build(payer, payeeAddress, amount, utxos, a.policy)
}

func (a *Adapter) EncodeTransaction(tx *PaymentTransaction) (string, error) {
	return Encode(tx)
}
