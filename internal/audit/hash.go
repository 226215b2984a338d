package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// GenesisHash anchors a chain that has never been pruned.
var GenesisHash = strings.Repeat("0", 64)

// hashPayload is the canonical hash input. Struct fields marshal in
// declaration order and map keys are sorted by encoding/json, so the byte
// form is deterministic.
type hashPayload struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	Timestamp    string         `json:"timestamp"`
	Action       Action         `json:"action"`
	Severity     Severity       `json:"severity"`
	Wallet       string         `json:"wallet"`
	AgentID      string         `json:"agentId"`
	ResourceID   string         `json:"resourceId"`
	Details      map[string]any `json:"details"`
	Network      *NetworkInfo   `json:"network"`
	PreviousHash string         `json:"previousHash"`
}

// canonicalTime truncates to microseconds so timestamps survive a round
// trip through Postgres TIMESTAMPTZ unchanged.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of e's canonical payload. The entry's
// own Hash field is ignored.
func ComputeHash(e *Entry) (string, error) {
	payload := hashPayload{
		ID:           e.ID,
		Seq:          e.Seq,
		Timestamp:    canonicalTime(e.Timestamp).Format(time.RFC3339Nano),
		Action:       e.Action,
		Severity:     e.Severity,
		Wallet:       e.WalletAddr,
		AgentID:      e.AgentID,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		Network:      e.Network,
		PreviousHash: e.PreviousHash,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
