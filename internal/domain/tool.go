package domain

import (
	"bytes"
	"encoding/json"
	"errors"
)

// TransactionType is the discriminant of a PreparedTransaction.
type TransactionType string

const (
	TxEVMTransfer    TransactionType = "evm_transfer"
	TxTokenTransfer  TransactionType = "token_transfer"
	TxBridgeDeposit  TransactionType = "bridge_deposit"
	TxBridgeWithdraw TransactionType = "bridge_withdraw"
	TxContractWrite  TransactionType = "contract_write"
	TxContractDeploy TransactionType = "contract_deploy"
	TxAssetTransfer  TransactionType = "asset_transfer"
	TxAssetBridge    TransactionType = "asset_bridge"
)

var errNotObject = errors.New("transaction must be a JSON object")

// PreparedTransaction is an unsigned transaction produced by a gated tool.
// Only the type tag is inspected; the body is forwarded untouched to the signer.
type PreparedTransaction struct {
	Type TransactionType
	Body json.RawMessage
}

// ParsePreparedTransaction validates raw as a JSON object and extracts its type tag.
func ParsePreparedTransaction(raw json.RawMessage) (PreparedTransaction, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return PreparedTransaction{}, errNotObject
	}
	var tag struct {
		Type TransactionType `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &tag); err != nil {
		return PreparedTransaction{}, err
	}
	body := make(json.RawMessage, len(trimmed))
	copy(body, trimmed)
	return PreparedTransaction{Type: tag.Type, Body: body}, nil
}

// MarshalJSON emits the original transaction body.
func (t PreparedTransaction) MarshalJSON() ([]byte, error) {
	if len(t.Body) == 0 {
		return []byte("null"), nil
	}
	return t.Body, nil
}

// UnmarshalJSON accepts any transaction object.
func (t *PreparedTransaction) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePreparedTransaction(data)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PendingToolCall is the single gated call awaiting a signing outcome.
type PendingToolCall struct {
	CallID      string              `json:"call_id"`
	Name        string              `json:"name"`
	Arguments   map[string]any      `json:"arguments"`
	Transaction PreparedTransaction `json:"transaction"`
}

// ToolResult is the function-result payload returned to the model.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WalletContext is the caller's address snapshot captured at session start.
type WalletContext struct {
	EVMAddress       string `json:"evm_address,omitempty"`
	SubstrateAddress string `json:"substrate_address,omitempty"`
}

// Empty reports whether no address is known.
func (w WalletContext) Empty() bool {
	return w.EVMAddress == "" && w.SubstrateAddress == ""
}

// Key returns a stable identifier for rate limiting and history.
func (w WalletContext) Key() string {
	if w.EVMAddress != "" {
		return w.EVMAddress
	}
	return w.SubstrateAddress
}

// Contact is a named address passed to the credential endpoint for prompt personalization.
type Contact struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}
