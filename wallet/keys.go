package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrInvalidKeyEncoding is returned when an encoded secret does not decode to a
// valid private key for the configured network.
var ErrInvalidKeyEncoding = errors.New("invalid key encoding")

// KeyPair is a signing key together with its derived public key and address.
// A KeyPair is immutable once created.
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	Address    string

	compressed bool
	params     *chaincfg.Params
}

// NetworkParams returns the chain configuration for the given network name.
// BSV uses the same P2PKH and WIF version bytes as Bitcoin.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet, regtest)", network)
	}
}

// Generate creates a new random key pair.
func Generate(params *chaincfg.Params) (*KeyPair, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return newKeyPair(privKey, true, params)
}

// FromEncodedSecret decodes a WIF string into a key pair.
func FromEncodedSecret(secret string, params *chaincfg.Params) (*KeyPair, error) {
	wif, err := btcutil.DecodeWIF(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyEncoding, err)
	}

	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("%w: key is not for %s", ErrInvalidKeyEncoding, params.Name)
	}

	return newKeyPair(wif.PrivKey, wif.CompressPubKey, params)
}

func newKeyPair(privKey *btcec.PrivateKey, compressed bool, params *chaincfg.Params) (*KeyPair, error) {
	kp := &KeyPair{
		PrivateKey: privKey,
		PublicKey:  privKey.PubKey(),
		compressed: compressed,
		params:     params,
	}

	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(kp.SerializedPubKey()), params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2PKH address: %w", err)
	}

	kp.Address = addr.EncodeAddress()
	return kp, nil
}

// SerializedPubKey returns the public key in the encoding its address commits to
func (kp *KeyPair) SerializedPubKey() []byte {
	if kp.compressed {
		return kp.PublicKey.SerializeCompressed()
	}
	return kp.PublicKey.SerializeUncompressed()
}

// DeriveAddress returns the P2PKH address of the key pair.
func DeriveAddress(kp *KeyPair) string {
	return kp.Address
}

// EncodedSecret returns the WIF encoding of the private key.
// Callers are responsible for persisting it.
func (kp *KeyPair) EncodedSecret() (string, error) {
	wif, err := btcutil.NewWIF(kp.PrivateKey, kp.params, kp.compressed)
	if err != nil {
		return "", fmt.Errorf("failed to encode WIF: %w", err)
	}
	return wif.String(), nil
}

// String implements fmt.Stringer without exposing the secret.
func (kp *KeyPair) String() string {
	return kp.Address
}

// BlurSecret masks all but the first and last four characters of an encoded
// secret for display.
func BlurSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("•", len(secret))
	}
	return secret[:4] + strings.Repeat("•", len(secret)-8) + secret[len(secret)-4:]
}
