package nearrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// endpoint is a single JSON-RPC 2.0 transport to one NEAR RPC node. It mirrors
// the teacher's ethclient.DialContext idiom (a thin typed wrapper dialed once
// and reused across calls) but speaks NEAR's JSON-RPC shape directly, since
// NEAR is not an EVM chain and go-ethereum's rpc.Client cannot speak it.
type endpoint struct {
	url        string
	httpClient *http.Client
}

func dial(url string) *endpoint {
	return &endpoint{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// call performs one JSON-RPC round trip and decodes the result into out.
// A non-nil *rpcError is returned as the error value so callers can pattern
// match on its message (UNKNOWN_BLOCK, TooManyRequests) without a type switch.
func (e *endpoint) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "indexer",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc transport: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rpc %s: TooManyRequests", method)
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}

func encodeArgs(args map[string]interface{}) string {
	raw, _ := json.Marshal(args)
	return base64.StdEncoding.EncodeToString(raw)
}
