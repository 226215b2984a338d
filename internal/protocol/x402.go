package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// X402Version is the challenge/proof wire version this engine speaks.
const X402Version = 1

// SchemeExact is the only payment scheme accepted: the caller pays at
// least the quoted amount in one transfer.
const SchemeExact = "exact"

// PaymentRequirements describes one acceptable way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// PaymentRequired is the 402 response body.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Proof is the decoded X-PAYMENT header.
type Proof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ProofPayload `json:"payload"`
}

// ProofPayload carries the settled transfer the caller claims.
type ProofPayload struct {
	Signature string `json:"signature"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

// AmountValue parses the claimed amount.
func (p *Proof) AmountValue() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(p.Payload.Amount), 64)
}

// DecodeProof parses a base64-encoded JSON proof and checks its shape.
// Address and signature formats are checked later by the verifier.
func DecodeProof(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrProofRequired
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(header); err != nil {
			return nil, fmt.Errorf("%w: not base64", ErrInvalidProof)
		}
	}

	var p Proof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	switch {
	case p.X402Version != X402Version:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidProof, p.X402Version)
	case p.Scheme != SchemeExact:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProof, p.Scheme)
	case p.Network == "" || p.Payload.Signature == "" || p.Payload.From == "" || p.Payload.To == "":
		return nil, fmt.Errorf("%w: network, signature, from and to are required", ErrInvalidProof)
	}
	if amt, err := p.AmountValue(); err != nil || amt <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive number", ErrInvalidProof)
	}
	return &p, nil
}

// EncodeProof is the inverse of DecodeProof, used by clients and tests.
func EncodeProof(p *Proof) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// networkMatches compares CAIP-2 network ids; either side may use a
// "namespace:*" wildcard.
func networkMatches(network, pattern string) bool {
	if network == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(network, prefix)
	}
	if prefix, ok := strings.CutSuffix(network, "*"); ok && strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(pattern, prefix)
	}
	return false
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Challenge builds the 402 body for a call to agentID's resource. A
// non-positive price quotes the configured default.
func (e *Engine) Challenge(resource, agentID string, price float64) PaymentRequired {
	cfg := e.Config()
	if price <= 0 {
		price = cfg.Price
	}
	return PaymentRequired{
		X402Version: X402Version,
		Error:       "X-PAYMENT header is required",
		Accepts: []PaymentRequirements{{
			Scheme:            SchemeExact,
			Network:           cfg.Network,
			Asset:             cfg.Asset,
			Amount:            formatAmount(price),
			PayTo:             cfg.Recipient,
			Resource:          resource,
			Description:       "Access to agent " + agentID,
			MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
		}},
	}
}
