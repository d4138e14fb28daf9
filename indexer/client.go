package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
)

// DefaultURL is the public BSV mainnet indexer
const DefaultURL = "https://api.whatsonchain.com/v1/bsv/main"

// maxBodySize bounds how much of a response is read
const maxBodySize = 1 << 20

// ErrMalformedResponse is returned when a 2xx response cannot be decoded
var ErrMalformedResponse = errors.New("malformed indexer response")

// StatusError is returned for any non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("indexer returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("indexer returned HTTP %d: %s", e.Code, e.Body)
}

// ClientError reports whether the indexer refused the request itself (4xx)
func (e *StatusError) ClientError() bool {
	return e.Code >= 400 && e.Code < 500
}

// Reason extracts the human-readable reason from the response body. The
// indexer answers with either {"error": "..."}, a JSON string or plain text.
func (e *StatusError) Reason() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return http.StatusText(e.Code)
	}

	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &obj); err == nil {
		if obj.Error != "" {
			return obj.Error
		}
		if obj.Message != "" {
			return obj.Message
		}
	}

	var s string
	if err := json.Unmarshal([]byte(body), &s); err == nil && s != "" {
		return s
	}

	return body
}

// Balance represents the balance response for an address
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UTXO represents an unspent transaction output
type UTXO struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// Client talks to a WhatsOnChain-compatible indexer over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     hclog.Logger
}

// NewClient creates a new indexer client. Requests carry no timeout of their
// own; callers bound them with a context.
func NewClient(baseURL string, logger hclog.Logger) (*Client, error) {
	if err := validateURL(baseURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: cleanhttp.DefaultPooledClient(),
		logger:     logger,
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid indexer URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid indexer URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid indexer URL %q: missing host", raw)
	}
	return nil
}

// URL returns the base URL of the indexer
func (c *Client) URL() string {
	return c.baseURL
}

// Close releases idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Trace("indexer request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return data, nil
}

// GetBalance returns the confirmed and unconfirmed balance of an address
func (c *Client) GetBalance(ctx context.Context, address string) (*Balance, error) {
	data, err := c.do(ctx, http.MethodGet, "/address/"+url.PathEscape(address)+"/balance", nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Confirmed   *int64 `json:"confirmed"`
		Unconfirmed *int64 `json:"unconfirmed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse balance: %v", ErrMalformedResponse, err)
	}
	if raw.Confirmed == nil && raw.Unconfirmed == nil {
		return nil, fmt.Errorf("%w: balance response has no amounts", ErrMalformedResponse)
	}

	var balance Balance
	if raw.Confirmed != nil {
		balance.Confirmed = *raw.Confirmed
	}
	if raw.Unconfirmed != nil {
		balance.Unconfirmed = *raw.Unconfirmed
	}

	return &balance, nil
}

// ListUnspent returns unspent outputs for an address in indexer order
func (c *Client) ListUnspent(ctx context.Context, address string) ([]UTXO, error) {
	data, err := c.do(ctx, http.MethodGet, "/address/"+url.PathEscape(address)+"/unspent", nil)
	if err != nil {
		return nil, err
	}

	var utxos []UTXO
	if err := json.Unmarshal(data, &utxos); err != nil {
		return nil, fmt.Errorf("%w: failed to parse UTXOs: %v", ErrMalformedResponse, err)
	}

	return utxos, nil
}

// BroadcastTransaction submits a raw transaction and returns the txid the
// indexer reports. An empty id is returned as-is.
func (c *Client) BroadcastTransaction(ctx context.Context, rawtx string) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/tx/raw", map[string]string{"txhex": rawtx})
	if err != nil {
		return "", err
	}

	var txid string
	if err := json.Unmarshal(data, &txid); err != nil {
		// Some indexers answer with the bare txid
		txid = strings.Trim(strings.TrimSpace(string(data)), `"`)
		if strings.ContainsAny(txid, "{}[] ") {
			return "", fmt.Errorf("%w: failed to parse broadcast result: %v", ErrMalformedResponse, err)
		}
	}

	return strings.TrimSpace(txid), nil
}
