// Package toolexec calls the tool-execution endpoint.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/voxwallet/internal/domain"
)

// Wallet headers attached to every execution request when known.
const (
	HeaderEVMAddress       = "X-EVM-Address"
	HeaderSubstrateAddress = "X-Substrate-Address"
)

// ErrMissingTransaction is returned by Transaction when a successful response carries no transaction.
var ErrMissingTransaction = errors.New("tool response has no transaction")

const maxResponseBytes = 4 << 20

// Response is the endpoint's answer for one tool invocation.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Result converts the response into the function-result payload.
func (r Response) Result() domain.ToolResult {
	res := domain.ToolResult{Success: r.Success, Data: r.Data, Error: r.Error}
	if !r.Success && res.Error == "" {
		res.Error = "tool execution failed"
	}
	return res
}

// Transaction extracts the prepared transaction from data.transaction.
func (r Response) Transaction() (domain.PreparedTransaction, error) {
	if len(r.Data) == 0 {
		return domain.PreparedTransaction{}, ErrMissingTransaction
	}
	var data struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return domain.PreparedTransaction{}, ErrMissingTransaction
	}
	if len(data.Transaction) == 0 || string(data.Transaction) == "null" {
		return domain.PreparedTransaction{}, ErrMissingTransaction
	}
	tx, err := domain.ParsePreparedTransaction(data.Transaction)
	if err != nil {
		return domain.PreparedTransaction{}, fmt.Errorf("%w: %v", ErrMissingTransaction, err)
	}
	return tx, nil
}

// Client posts tool invocations to the execution endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client. A nil httpClient gets an instrumented client with the given timeout.
func NewClient(url string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{url: url, http: httpClient}
}

type executeRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Execute runs name with args on behalf of wallet. Transport failures and
// unparseable responses are returned as errors; endpoint-reported failures
// come back as a Response with Success=false.
func (c *Client) Execute(ctx context.Context, wallet domain.WalletContext, name string, args map[string]any) (Response, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(executeRequest{Name: name, Arguments: args})
	if err != nil {
		return Response{}, fmt.Errorf("encode tool request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if wallet.EVMAddress != "" {
		req.Header.Set(HeaderEVMAddress, wallet.EVMAddress)
	}
	if wallet.SubstrateAddress != "" {
		req.Header.Set(HeaderSubstrateAddress, wallet.SubstrateAddress)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("execute %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read %s response: %w", name, err)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Response{}, fmt.Errorf("execute %s: status %d", name, resp.StatusCode)
		}
		return Response{}, fmt.Errorf("decode %s response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Success = false
		if out.Error == "" {
			out.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
	}
	return out, nil
}
