package quizreward

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/sdk/logical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPlatformWIF     = "KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617"
	testPlatformAddress = "1LoVGDgRs9hTfTNJNuXKSpywcbdvwRXpmK"
)

// testIndexer answers balance, unspent and broadcast requests. Broadcasts are
// decoded and answered with their hash.
type testIndexer struct {
	mu            sync.Mutex
	balances      map[string]int64
	balanceStatus int
	unspent       []int64
	broadcasts    []*wire.MsgTx
}

func newTestIndexer(t *testing.T) (*testIndexer, string) {
	t.Helper()

	idx := &testIndexer{
		balances:      make(map[string]int64),
		balanceStatus: http.StatusOK,
	}
	srv := httptest.NewServer(idx)
	t.Cleanup(srv.Close)

	return idx, srv.URL
}

func (i *testIndexer) setBalance(address string, value int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.balances[address] = value
}

func (i *testIndexer) setBalanceStatus(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.balanceStatus = status
}

func (i *testIndexer) setUnspent(values ...int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unspent = values
}

func (i *testIndexer) broadcastCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.broadcasts)
}

func (i *testIndexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/balance"):
		addr := strings.TrimSuffix(strings.TrimPrefix(path, "/address/"), "/balance")
		w.WriteHeader(i.balanceStatus)
		fmt.Fprintf(w, `{"confirmed": %d, "unconfirmed": 0}`, i.balances[addr])

	case strings.HasSuffix(path, "/unspent"):
		entries := make([]string, len(i.unspent))
		for n, v := range i.unspent {
			entries[n] = fmt.Sprintf(`{"height": 1, "tx_pos": 0, "tx_hash": "%064x", "value": %d}`, n+1, v)
		}
		fmt.Fprint(w, "["+strings.Join(entries, ",")+"]")

	case path == "/tx/raw":
		var req struct {
			TxHex string `json:"txhex"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
			return
		}
		raw, err := hex.DecodeString(req.TxHex)
		if err != nil {
			http.Error(w, `{"error": "bad hex"}`, http.StatusBadRequest)
			return
		}
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			http.Error(w, `{"error": "TX decode failed"}`, http.StatusBadRequest)
			return
		}
		i.broadcasts = append(i.broadcasts, &tx)
		fmt.Fprintf(w, `"%s"`, tx.TxHash().String())

	default:
		http.NotFound(w, r)
	}
}

func getTestBackend(t *testing.T, env map[string]string) (*rewardBackend, logical.Storage) {
	t.Helper()

	config := logical.TestBackendConfig()
	config.StorageView = &logical.InmemStorage{}
	config.Logger = hclog.NewNullLogger()

	b := backend()
	b.getenv = func(key string) string { return env[key] }
	require.NoError(t, b.Setup(context.Background(), config))
	t.Cleanup(func() { b.Cleanup(context.Background()) })

	return b, config.StorageView
}

func request(t *testing.T, b *rewardBackend, s logical.Storage, op logical.Operation, path string, data map[string]interface{}) *logical.Response {
	t.Helper()

	resp, err := b.HandleRequest(context.Background(), &logical.Request{
		Operation: op,
		Path:      path,
		Storage:   s,
		Data:      data,
	})
	require.NoError(t, err)
	return resp
}

func writeConfig(t *testing.T, b *rewardBackend, s logical.Storage, indexerURL string, extra map[string]interface{}) {
	t.Helper()

	data := map[string]interface{}{
		"indexer_url":  indexerURL,
		"settle_delay": 0,
	}
	for k, v := range extra {
		data[k] = v
	}

	resp := request(t, b, s, logical.CreateOperation, "config", data)
	if resp != nil {
		require.False(t, resp.IsError(), "config write failed: %v", resp.Error())
	}
}

func TestConfig(t *testing.T) {
	b, s := getTestBackend(t, nil)
	_, url := newTestIndexer(t)

	assert.Nil(t, request(t, b, s, logical.ReadOperation, "config", nil))

	writeConfig(t, b, s, url, map[string]interface{}{"platform_wif": testPlatformWIF})

	resp := request(t, b, s, logical.ReadOperation, "config", nil)
	require.NotNil(t, resp)
	assert.Equal(t, url, resp.Data["indexer_url"])
	assert.Equal(t, "mainnet", resp.Data["network"])
	assert.Equal(t, 10, resp.Data["fee_rate_per_kb"])
	assert.Equal(t, testPlatformAddress, resp.Data["platform_address"])
	assert.Equal(t, "config", resp.Data["platform_wallet_source"])
	assert.NotContains(t, resp.Data, "platform_wif")

	for _, v := range resp.Data {
		assert.NotEqual(t, testPlatformWIF, v)
	}

	assert.Nil(t, request(t, b, s, logical.DeleteOperation, "config", nil))
	assert.Nil(t, request(t, b, s, logical.ReadOperation, "config", nil))
}

func TestConfigValidation(t *testing.T) {
	b, s := getTestBackend(t, nil)

	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{"unknown network", map[string]interface{}{"network": "bogus"}},
		{"bad url", map[string]interface{}{"indexer_url": "ftp://example.com"}},
		{"bad platform wif", map[string]interface{}{"platform_wif": "not-a-wif"}},
		{"platform wif for other network", map[string]interface{}{"network": "testnet", "platform_wif": testPlatformWIF}},
		{"negative fee rate", map[string]interface{}{"fee_rate_per_kb": -1}},
		{"zero timeout", map[string]interface{}{"request_timeout": 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := request(t, b, s, logical.CreateOperation, "config", tt.data)
			require.NotNil(t, resp)
			assert.True(t, resp.IsError())
		})
	}
}

func TestConfigPlatformFromEnvironment(t *testing.T) {
	b, s := getTestBackend(t, map[string]string{envPlatformWIF: testPlatformWIF})
	_, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	resp := request(t, b, s, logical.ReadOperation, "config", nil)
	require.NotNil(t, resp)
	assert.Equal(t, testPlatformAddress, resp.Data["platform_address"])
	assert.Equal(t, "environment", resp.Data["platform_wallet_source"])
}

func TestWallet(t *testing.T) {
	b, s := getTestBackend(t, nil)
	idx, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	assert.Nil(t, request(t, b, s, logical.ReadOperation, "wallet", nil))

	resp := request(t, b, s, logical.CreateOperation, "wallet", map[string]interface{}{"reveal": true})
	require.NotNil(t, resp)
	require.False(t, resp.IsError())
	address := resp.Data["address"].(string)
	wif := resp.Data["wif"].(string)
	assert.True(t, strings.HasPrefix(address, "1"))
	assert.NotContains(t, wif, "•")

	idx.setBalance(address, 42)

	resp = request(t, b, s, logical.ReadOperation, "wallet", nil)
	require.NotNil(t, resp)
	assert.Equal(t, address, resp.Data["address"])
	assert.Contains(t, resp.Data["wif"], "•")
	assert.Equal(t, int64(42), resp.Data["total"])

	t.Run("import", func(t *testing.T) {
		resp := request(t, b, s, logical.UpdateOperation, "wallet", map[string]interface{}{"wif": testPlatformWIF})
		require.NotNil(t, resp)
		require.False(t, resp.IsError())
		assert.Equal(t, testPlatformAddress, resp.Data["address"])
	})

	t.Run("import invalid", func(t *testing.T) {
		resp := request(t, b, s, logical.UpdateOperation, "wallet", map[string]interface{}{"wif": "garbage"})
		require.NotNil(t, resp)
		assert.True(t, resp.IsError())

		resp = request(t, b, s, logical.ReadOperation, "wallet", nil)
		require.NotNil(t, resp)
		assert.Equal(t, testPlatformAddress, resp.Data["address"])
	})

	t.Run("delete", func(t *testing.T) {
		assert.Nil(t, request(t, b, s, logical.DeleteOperation, "wallet", nil))
		assert.Nil(t, request(t, b, s, logical.ReadOperation, "wallet", nil))
	})
}

func TestWalletQR(t *testing.T) {
	b, s := getTestBackend(t, nil)
	_, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	resp := request(t, b, s, logical.ReadOperation, "wallet/qr", nil)
	require.NotNil(t, resp)
	assert.True(t, resp.IsError())

	request(t, b, s, logical.UpdateOperation, "wallet", map[string]interface{}{"wif": testPlatformWIF})

	resp = request(t, b, s, logical.ReadOperation, "wallet/qr", nil)
	require.NotNil(t, resp)
	require.False(t, resp.IsError())
	assert.Equal(t, "bitcoin:"+testPlatformAddress, resp.Data["uri"])
	png, err := base64.StdEncoding.DecodeString(resp.Data["qr_png"].(string))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	resp = request(t, b, s, logical.ReadOperation, "wallet/qr", map[string]interface{}{"format": "ascii"})
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.Data["qr"])

	resp = request(t, b, s, logical.ReadOperation, "wallet/qr", map[string]interface{}{"size": 10})
	require.NotNil(t, resp)
	assert.True(t, resp.IsError())
}

func TestBalances(t *testing.T) {
	b, s := getTestBackend(t, nil)
	idx, url := newTestIndexer(t)
	writeConfig(t, b, s, url, map[string]interface{}{"platform_wif": testPlatformWIF})

	idx.setBalance(testPlatformAddress, 1000)

	resp := request(t, b, s, logical.ReadOperation, "balances", nil)
	require.NotNil(t, resp)
	platform := resp.Data["platform"].(map[string]interface{})
	assert.Equal(t, testPlatformAddress, platform["address"])
	assert.Equal(t, int64(1000), platform["total"])
	assert.Nil(t, resp.Data["player"])

	idx.setBalanceStatus(http.StatusInternalServerError)

	resp = request(t, b, s, logical.ReadOperation, "balances", nil)
	require.NotNil(t, resp)
	platform = resp.Data["platform"].(map[string]interface{})
	assert.Equal(t, int64(0), platform["total"])
	assert.Equal(t, "Unable to fetch balance. The service might be temporarily unavailable.", platform["balance_error"])
}

func answer(t *testing.T, b *rewardBackend, s logical.Storage, option int) *logical.Response {
	t.Helper()
	resp := request(t, b, s, logical.UpdateOperation, "quiz/answer", map[string]interface{}{"option": option})
	require.NotNil(t, resp)
	return resp
}

func TestQuizRewardFlow(t *testing.T) {
	b, s := getTestBackend(t, nil)
	idx, url := newTestIndexer(t)
	writeConfig(t, b, s, url, map[string]interface{}{"platform_wif": testPlatformWIF})

	idx.setBalance(testPlatformAddress, 1000)
	idx.setUnspent(1000)

	resp := request(t, b, s, logical.CreateOperation, "wallet", nil)
	player := resp.Data["address"].(string)

	resp = request(t, b, s, logical.ReadOperation, "quiz", nil)
	require.NotNil(t, resp)
	assert.Equal(t, "What is the capital of France?", resp.Data["question"])
	assert.Equal(t, 1, resp.Data["question_number"])
	assert.Equal(t, 0, resp.Data["score"])

	resp = answer(t, b, s, 2)
	require.False(t, resp.IsError())
	assert.Equal(t, true, resp.Data["correct"])
	assert.Equal(t, 1, resp.Data["score"])

	rwd := resp.Data["reward"].(map[string]interface{})
	require.Equal(t, "disbursed", rwd["outcome"], "reward: %v", rwd)
	assert.Equal(t, true, rwd["celebrate"])
	assert.Equal(t, int64(5), rwd["amount"])
	txid := rwd["txid"].(string)
	assert.Len(t, txid, 64)
	assert.Equal(t, "https://whatsonchain.com/tx/"+txid, rwd["explorer_url"])
	assert.Equal(t, txid, resp.Data["last_reward_txid"])

	require.Equal(t, 1, idx.broadcastCount())

	resp = request(t, b, s, logical.ListOperation, "rewards/", nil)
	require.NotNil(t, resp)
	assert.Equal(t, []string{txid}, resp.Data["keys"])

	resp = request(t, b, s, logical.ReadOperation, "rewards/"+txid, nil)
	require.NotNil(t, resp)
	assert.Equal(t, player, resp.Data["payee"])
	assert.Equal(t, int64(5), resp.Data["amount"])
	assert.Equal(t, 1, resp.Data["question"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.engine.Last().Wait(ctx))

	resp = request(t, b, s, logical.ReadOperation, "quiz", nil)
	require.NotNil(t, resp)
	last := resp.Data["last_attempt"].(map[string]interface{})
	assert.Equal(t, "done", last["state"])
	assert.Contains(t, last, "platform_balance")

	t.Run("wrong answer clears last reward", func(t *testing.T) {
		resp := answer(t, b, s, 0)
		assert.Equal(t, false, resp.Data["correct"])
		assert.NotContains(t, resp.Data, "reward")
		assert.NotContains(t, resp.Data, "last_reward_txid")
		assert.Equal(t, 1, idx.broadcastCount())
	})
}

func TestQuizGameOver(t *testing.T) {
	b, s := getTestBackend(t, nil)
	_, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	for i := 0; i < len(b.bank); i++ {
		resp := answer(t, b, s, 0)
		require.False(t, resp.IsError())
	}

	resp := request(t, b, s, logical.ReadOperation, "quiz", nil)
	require.NotNil(t, resp)
	assert.Equal(t, true, resp.Data["game_over"])
	assert.NotContains(t, resp.Data, "question")

	resp = answer(t, b, s, 0)
	assert.True(t, resp.IsError())

	resp = request(t, b, s, logical.UpdateOperation, "quiz/reset", nil)
	require.NotNil(t, resp)
	assert.Equal(t, false, resp.Data["game_over"])
	assert.Equal(t, 0, resp.Data["score"])
	assert.Equal(t, 1, resp.Data["question_number"])
}

func TestQuizInvalidOption(t *testing.T) {
	b, s := getTestBackend(t, nil)
	_, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	resp := answer(t, b, s, 7)
	assert.True(t, resp.IsError())

	resp = request(t, b, s, logical.ReadOperation, "quiz", nil)
	assert.Equal(t, 1, resp.Data["question_number"])
}

func TestQuizAnswerInProgress(t *testing.T) {
	b, s := getTestBackend(t, nil)
	_, url := newTestIndexer(t)
	writeConfig(t, b, s, url, nil)

	b.quizLock.Lock()
	resp := answer(t, b, s, 2)
	b.quizLock.Unlock()

	assert.True(t, resp.IsError())
	assert.Contains(t, resp.Error().Error(), "already being processed")
}

func TestQuizWithoutRewards(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		config  map[string]interface{}
		wallet  bool
		outcome string
		reason  string
	}{
		{
			name:    "no platform wallet",
			wallet:  true,
			outcome: "skipped",
			reason:  "no platform wallet configured",
		},
		{
			name:    "invalid platform wallet in environment",
			env:     map[string]string{envPlatformWIF: "not-a-wif"},
			wallet:  true,
			outcome: "failed",
			reason:  "InvalidKeyEncoding",
		},
		{
			name:    "no player wallet",
			config:  map[string]interface{}{"platform_wif": testPlatformWIF},
			outcome: "skipped",
			reason:  "no player wallet",
		},
		{
			name:    "platform balance too low",
			config:  map[string]interface{}{"platform_wif": testPlatformWIF},
			wallet:  true,
			outcome: "skipped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s := getTestBackend(t, tt.env)
			idx, url := newTestIndexer(t)
			writeConfig(t, b, s, url, tt.config)
			idx.setBalance(testPlatformAddress, 4)
			idx.setUnspent(4)

			if tt.wallet {
				request(t, b, s, logical.CreateOperation, "wallet", nil)
			}

			resp := answer(t, b, s, 2)
			require.False(t, resp.IsError())
			assert.Equal(t, true, resp.Data["correct"])
			assert.Equal(t, 1, resp.Data["score"])

			rwd := resp.Data["reward"].(map[string]interface{})
			assert.Equal(t, tt.outcome, rwd["outcome"])
			assert.Equal(t, false, rwd["celebrate"])
			if tt.reason != "" {
				assert.Equal(t, tt.reason, rwd["reason"])
			}
			assert.Equal(t, 0, idx.broadcastCount())
		})
	}
}

func TestQuizAdvancesWhenRewardSetupFails(t *testing.T) {
	tests := []struct {
		name   string
		entry  *logical.StorageEntry
		reason string
	}{
		{
			name:   "unusable network in stored config",
			entry:  &logical.StorageEntry{Key: configStoragePath, Value: []byte(`{"network": "bogus"}`)},
			reason: "reward engine unavailable",
		},
		{
			name:   "corrupt player wallet entry",
			entry:  &logical.StorageEntry{Key: userWalletKey, Value: []byte("not json")},
			reason: "failed to load player wallet",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, s := getTestBackend(t, map[string]string{envPlatformWIF: testPlatformWIF})
			require.NoError(t, s.Put(context.Background(), tt.entry))

			resp := answer(t, b, s, 2)
			require.False(t, resp.IsError())
			assert.Equal(t, true, resp.Data["correct"])
			assert.Equal(t, 1, resp.Data["score"])
			assert.Equal(t, 2, resp.Data["question_number"])

			rwd := resp.Data["reward"].(map[string]interface{})
			assert.Equal(t, "skipped", rwd["outcome"])
			assert.Equal(t, false, rwd["celebrate"])
			assert.Contains(t, rwd["reason"], tt.reason)

			session, err := getSession(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, 1, session.Current)
			assert.Equal(t, 1, session.Score)
		})
	}
}

func TestExplorerURL(t *testing.T) {
	assert.Equal(t, "https://whatsonchain.com/tx/abc", explorerURL("mainnet", "abc"))
	assert.Equal(t, "https://test.whatsonchain.com/tx/abc", explorerURL("testnet", "abc"))
	assert.Equal(t, "", explorerURL("regtest", "abc"))
}
