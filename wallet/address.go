package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// GetScriptPubKey returns the locking script for an address
func GetScriptPubKey(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey: %w", err)
	}

	return script, nil
}

// ValidateAddress checks that an address is a P2PKH address for the given network.
// Segwit and taproot encodings do not exist on BSV and are rejected.
func ValidateAddress(address string, params *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if !addr.IsForNet(params) {
		return fmt.Errorf("address is not for %s network", params.Name)
	}

	if _, ok := addr.(*btcutil.AddressPubKeyHash); !ok {
		return fmt.Errorf("address %s is not a P2PKH address", address)
	}

	return nil
}

// PaymentURI returns the URI shown in QR codes for an address.
func PaymentURI(address string) string {
	return "bitcoin:" + address
}
