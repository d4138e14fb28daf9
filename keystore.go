package quizreward

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/sdk/logical"
)

// userWalletKey holds the encoded secret of the current player wallet
const userWalletKey = "wallet/user"

// keyStore is a durable string store. A Set is visible to the next Get.
type keyStore struct {
	storage logical.Storage
}

type storedSecret struct {
	Value string `json:"value"`
}

func newKeyStore(s logical.Storage) *keyStore {
	return &keyStore{storage: s}
}

// Get returns the value under key, or "" if none is stored
func (k *keyStore) Get(ctx context.Context, key string) (string, error) {
	entry, err := k.storage.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("error retrieving %s: %w", key, err)
	}

	if entry == nil {
		return "", nil
	}

	var stored storedSecret
	if err := entry.DecodeJSON(&stored); err != nil {
		return "", fmt.Errorf("error decoding %s: %w", key, err)
	}

	return stored.Value, nil
}

// Set stores value under key
func (k *keyStore) Set(ctx context.Context, key, value string) error {
	entry, err := logical.StorageEntryJSON(key, storedSecret{Value: value})
	if err != nil {
		return fmt.Errorf("error creating storage entry: %w", err)
	}

	if err := k.storage.Put(ctx, entry); err != nil {
		return fmt.Errorf("error saving %s: %w", key, err)
	}

	return nil
}

// Delete removes key
func (k *keyStore) Delete(ctx context.Context, key string) error {
	if err := k.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("error deleting %s: %w", key, err)
	}
	return nil
}
