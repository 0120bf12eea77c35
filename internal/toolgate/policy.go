// Package toolgate classifies model tool calls and routes them either to
// immediate execution or to the signing workflow.
package toolgate

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultGated lists the operations that produce a transaction requiring approval.
var DefaultGated = []string{
	"transfer_evm",
	"transfer_erc20",
	"transfer_token",
	"transfer_asset",
	"bridge_deposit",
	"bridge_withdraw",
	"bridge_asset",
	"send_raw_transaction",
	"write_contract",
	"deploy_contract",
}

// Policy decides which tool names are gated.
type Policy struct {
	gated map[string]struct{}
}

// NewPolicy builds a policy from names. An empty list falls back to DefaultGated.
func NewPolicy(names []string) Policy {
	if len(names) == 0 {
		names = DefaultGated
	}
	p := Policy{gated: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			p.gated[n] = struct{}{}
		}
	}
	return p
}

// Gated reports whether name needs approval. Unknown names are direct.
func (p Policy) Gated(name string) bool {
	_, ok := p.gated[name]
	return ok
}

// Names returns the gated tool names.
func (p Policy) Names() []string {
	out := make([]string, 0, len(p.gated))
	for n := range p.gated {
		out = append(out, n)
	}
	return out
}

// ParseArguments decodes the model's argument JSON. Anything that is not a
// JSON object yields an empty argument set.
func ParseArguments(raw string) map[string]any {
	args := map[string]any{}
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return args
	}
	if err := json.Unmarshal(trimmed, &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
