package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// RPCReader reads authoritative state over the chain's JSON-RPC endpoint.
type RPCReader struct {
	url    string
	client *http.Client
}

// NewRPCReader creates a reader against the given RPC URL. timeout bounds
// each request in addition to any caller context deadline.
func NewRPCReader(url string, timeout time.Duration) *RPCReader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCReader{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *RPCReader) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rpc %s", method)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "decode rpc %s response", method)
	}
	if envelope.Error != nil {
		return errors.Errorf("rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	return errors.Wrapf(json.Unmarshal(envelope.Result, result), "decode rpc %s result", method)
}

// TokenAccountBalance implements Reader via getTokenAccountBalance.
func (r *RPCReader) TokenAccountBalance(ctx context.Context, tokenAccount string) (int64, error) {
	var result struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	params := []any{tokenAccount, map[string]string{"commitment": "confirmed"}}
	if err := r.call(ctx, "getTokenAccountBalance", params, &result); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseInt(result.Value.Amount, 10, 64)
	return amount, errors.Wrap(err, "parse token balance")
}

// CurrentSlot implements Reader via getSlot.
func (r *RPCReader) CurrentSlot(ctx context.Context) (int64, error) {
	var slot int64
	params := []any{map[string]string{"commitment": "confirmed"}}
	if err := r.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}
