package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

var (
	// ErrInsufficientFunds is returned when the supplied outputs cannot cover
	// the payment plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSigningFailed is returned when an input cannot be signed.
	ErrSigningFailed = errors.New("signing failed")
)

const (
	// DefaultFeeRatePerKb in satoshis per kilobyte
	DefaultFeeRatePerKb = 10

	// DefaultDustLimit is the smallest change output worth creating. Anything
	// below it (or below the relay dust rule at the fee rate) is left to the fee.
	DefaultDustLimit = 1

	// TxVersion is the transaction version used for payments
	TxVersion = 1

	// SigHashForkID marks a replay-protected BIP143-style signature hash
	SigHashForkID txscript.SigHashType = 0x40

	// SigHashAllForkID is the hash type used for every input
	SigHashAllForkID = txscript.SigHashAll | SigHashForkID
)

// UTXO is a spendable output owned by the payer
type UTXO struct {
	TxID     string
	Vout     uint32
	Value    int64
	PkScript []byte
}

// Output is a payment destination
type Output struct {
	Address string
	Value   int64
}

// FeePolicy controls fee and change decisions when building a payment
type FeePolicy struct {
	FeeRatePerKb btcutil.Amount
	DustLimit    int64
}

// DefaultFeePolicy returns the fee policy used when none is configured
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		FeeRatePerKb: DefaultFeeRatePerKb,
		DustLimit:    DefaultDustLimit,
	}
}

// PaymentTransaction is a signed payment. It is never mutated after Build returns.
type PaymentTransaction struct {
	Tx           *wire.MsgTx
	Inputs       []UTXO
	Outputs      []Output
	FeeRatePerKb btcutil.Amount
	Fee          int64
	TotalInput   int64
	TotalOutput  int64

	// ChangeIndex is the index of the change output, -1 if none
	ChangeIndex int
}

// TxID returns the transaction hash in display order
func (p *PaymentTransaction) TxID() string {
	return p.Tx.TxHash().String()
}

// ChangeAmount returns the value returned to the payer
func (p *PaymentTransaction) ChangeAmount() int64 {
	if p.ChangeIndex < 0 {
		return 0
	}
	return p.Outputs[p.ChangeIndex].Value
}

// EstimateFee returns the fee for a transaction spending numInputs compressed
// P2PKH inputs and paying txOuts, plus a P2PKH change output if withChange.
func EstimateFee(numInputs int, txOuts []*wire.TxOut, withChange bool, feeRatePerKb btcutil.Amount) int64 {
	size := txsizes.EstimateSerializeSize(numInputs, txOuts, withChange)
	return int64(txrules.FeeForSerializeSize(feeRatePerKb, size))
}

// IsDust reports whether a change output of the given value is not worth creating
func IsDust(value int64, policy FeePolicy) bool {
	if value < policy.DustLimit {
		return true
	}
	return txrules.IsDustAmount(btcutil.Amount(value), txsizes.P2PKHPkScriptSize, policy.FeeRatePerKb)
}

// Build selects inputs from utxos in the order given, pays amount to
// payeeAddress, returns change to the payer and signs every input.
//
// Selection is greedy first-fit: inputs are taken until they cover the amount
// plus the fee of a change-less transaction. A change output is added when the
// remainder after the larger with-change fee is positive and not dust;
// otherwise the remainder goes to the fee.
func Build(payer *KeyPair, payeeAddress string, amount int64, utxos []UTXO, policy FeePolicy) (*PaymentTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}
	if policy.FeeRatePerKb < 0 {
		return nil, fmt.Errorf("fee rate must not be negative, got %d", policy.FeeRatePerKb)
	}

	payeeScript, err := GetScriptPubKey(payeeAddress, payer.params)
	if err != nil {
		return nil, fmt.Errorf("invalid payee address %s: %w", payeeAddress, err)
	}

	payerScript, err := GetScriptPubKey(payer.Address, payer.params)
	if err != nil {
		return nil, fmt.Errorf("invalid payer address %s: %w", payer.Address, err)
	}

	payeeOut := wire.NewTxOut(amount, payeeScript)
	txOuts := []*wire.TxOut{payeeOut}

	var (
		selected   []UTXO
		totalInput int64
		fee        int64
		enough     bool
	)
	for _, utxo := range utxos {
		selected = append(selected, utxo)
		totalInput += utxo.Value

		fee = EstimateFee(len(selected), txOuts, false, policy.FeeRatePerKb)
		if totalInput >= amount+fee {
			enough = true
			break
		}
	}

	if !enough {
		return nil, fmt.Errorf("%w: have %d, need %d + %d fee",
			ErrInsufficientFunds, totalInput, amount, fee)
	}

	outputs := []Output{{Address: payeeAddress, Value: amount}}
	changeIndex := -1

	feeWithChange := EstimateFee(len(selected), txOuts, true, policy.FeeRatePerKb)
	change := totalInput - amount - feeWithChange
	if change > 0 && !IsDust(change, policy) {
		fee = feeWithChange
		txOuts = append(txOuts, wire.NewTxOut(change, payerScript))
		outputs = append(outputs, Output{Address: payer.Address, Value: change})
		changeIndex = len(outputs) - 1
	} else {
		// Remainder is absorbed into the fee
		change = 0
		fee = totalInput - amount
	}

	tx := wire.NewMsgTx(TxVersion)
	for _, utxo := range selected {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", utxo.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txHash, utxo.Vout), nil, nil))
	}
	for _, out := range txOuts {
		tx.AddTxOut(out)
	}

	inputs := make([]UTXO, len(selected))
	for i, utxo := range selected {
		if len(utxo.PkScript) == 0 {
			utxo.PkScript = payerScript
		}
		if !bytes.Equal(utxo.PkScript, payerScript) {
			return nil, fmt.Errorf("%w: input %d (%s:%d) is not locked to %s",
				ErrSigningFailed, i, utxo.TxID, utxo.Vout, payer.Address)
		}
		inputs[i] = utxo
	}

	if err := signInputs(tx, inputs, payer); err != nil {
		return nil, err
	}

	return &PaymentTransaction{
		Tx:           tx,
		Inputs:       inputs,
		Outputs:      outputs,
		FeeRatePerKb: policy.FeeRatePerKb,
		Fee:          fee,
		TotalInput:   totalInput,
		TotalOutput:  amount + change,
		ChangeIndex:  changeIndex,
	}, nil
}

// signInputs signs every input with SIGHASH_ALL|FORKID and writes a
// <sig> <pubkey> unlocking script.
func signInputs(tx *wire.MsgTx, inputs []UTXO, key *KeyPair) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, utxo := range inputs {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = &wire.TxOut{
			Value:    utxo.Value,
			PkScript: utxo.PkScript,
		}
	}

	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prevOuts))
	pubKey := key.SerializedPubKey()

	for i, utxo := range inputs {
		hash, err := SignatureHash(tx, sigHashes, i, utxo)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrSigningFailed, i, err)
		}

		sig := ecdsa.Sign(key.PrivateKey, hash)
		if !sig.Verify(hash, key.PublicKey) {
			return fmt.Errorf("%w: input %d: signature does not verify", ErrSigningFailed, i)
		}

		sigScript, err := txscript.NewScriptBuilder().
			AddData(append(sig.Serialize(), byte(SigHashAllForkID))).
			AddData(pubKey).
			Script()
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrSigningFailed, i, err)
		}

		tx.TxIn[i].SignatureScript = sigScript
	}

	return nil
}

// SignatureHash returns the replay-protected signature hash for input idx
func SignatureHash(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, utxo UTXO) ([]byte, error) {
	return txscript.CalcWitnessSigHash(utxo.PkScript, sigHashes, SigHashAllForkID, tx, idx, utxo.Value)
}

// Encode returns the hex wire encoding of a signed transaction
func Encode(p *PaymentTransaction) (string, error) {
	var buf bytes.Buffer
	if err := p.Tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
