package connector

import (
	"encoding/json"
	"time"

	"trade-ledger-go/internal/models"
)

func formatDateOr(t *time.Time, fallback string) string {
	if t == nil {
		return fallback
	}
	return t.UTC().Format(time.RFC3339)
}

func sideFromString(s string) models.TradeSide {
	if s == string(models.SideSell) {
		return models.SideSell
	}
	return models.SideBuy
}

// tagProvenance merges a source tag and fetch timestamp into the opaque raw
// payload so reconciled rows record where their data came from.
func tagProvenance(raw json.RawMessage, source string, fetchedAt time.Time) json.RawMessage {
	merged := map[string]any{}
	if len(raw) > 0 {
		// Best effort; a non-object payload is kept under its own key.
		if err := json.Unmarshal(raw, &merged); err != nil {
			merged = map[string]any{"payload": string(raw)}
		}
	}
	merged["source"] = source
	merged["fetchedAt"] = fetchedAt.Format(time.RFC3339)

	out, err := json.Marshal(merged)
	if err != nil {
		return raw
	}
	return out
}
