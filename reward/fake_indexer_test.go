package reward

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/dan/vault-plugin-secrets-quizreward/indexer"
)

// fakeIndexer serves the three indexer endpoints from canned answers. A
// successful broadcast answers with the hash of the posted transaction.
type fakeIndexer struct {
	mu              sync.Mutex
	balances        map[string]string
	balanceStatus   int
	unspent         string
	unspentStatus   int
	broadcastStatus int
	broadcastBody   string
	lastTx          *wire.MsgTx

	balanceCalls   atomic.Int32
	unspentCalls   atomic.Int32
	broadcastCalls atomic.Int32
}

func newFakeIndexer(t *testing.T) (*fakeIndexer, *indexer.Client) {
	t.Helper()

	f := &fakeIndexer{
		balances:        make(map[string]string),
		balanceStatus:   http.StatusOK,
		unspent:         "[]",
		unspentStatus:   http.StatusOK,
		broadcastStatus: http.StatusOK,
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client, err := indexer.NewClient(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return f, client
}

func (f *fakeIndexer) setBalance(address string, confirmed, unconfirmed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = fmt.Sprintf(`{"confirmed": %d, "unconfirmed": %d}`, confirmed, unconfirmed)
}

func (f *fakeIndexer) setBalanceStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceStatus = status
}

// setUnspent installs one output per value with distinct txids
func (f *fakeIndexer) setUnspent(values ...int64) {
	entries := make([]string, len(values))
	for i, v := range values {
		entries[i] = fmt.Sprintf(`{"height": 800000, "tx_pos": %d, "tx_hash": "%064x", "value": %d}`, i, i+1, v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.unspent = "[" + strings.Join(entries, ",") + "]"
}

func (f *fakeIndexer) setUnspentStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unspentStatus = status
}

func (f *fakeIndexer) setBroadcast(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastStatus = status
	f.broadcastBody = body
}

func (f *fakeIndexer) lastTransaction() *wire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTx
}

func (f *fakeIndexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/balance"):
		f.balanceCalls.Add(1)
		addr := strings.TrimSuffix(strings.TrimPrefix(path, "/address/"), "/balance")
		body, ok := f.balances[addr]
		if !ok {
			body = `{"confirmed": 0, "unconfirmed": 0}`
		}
		w.WriteHeader(f.balanceStatus)
		w.Write([]byte(body))

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/unspent"):
		f.unspentCalls.Add(1)
		w.WriteHeader(f.unspentStatus)
		w.Write([]byte(f.unspent))

	case r.Method == http.MethodPost && path == "/tx/raw":
		f.broadcastCalls.Add(1)

		var req struct {
			TxHex string `json:"txhex"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "bad request body"}`, http.StatusBadRequest)
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
		f.lastTx = &tx

		w.WriteHeader(f.broadcastStatus)
		if f.broadcastBody != "" {
			w.Write([]byte(f.broadcastBody))
			return
		}
		w.Write([]byte(`"` + tx.TxHash().String() + `"`))

	default:
		http.NotFound(w, r)
	}
}
