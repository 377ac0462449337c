package hub

import (
	"bytes"
	"encoding/json"

	"chatline/pkg/types"
)

// decodeID reads an id sent either bare (7, "7") or wrapped as {"<key>": 7}.
func decodeID(raw json.RawMessage, key string) (types.ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, types.ErrMalformedID
	}

	if raw[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return 0, types.ErrMalformedID
		}
		inner, ok := wrapped[key]
		if !ok {
			return 0, types.ErrMalformedID
		}
		raw = inner
	}

	var id types.ID
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, types.ErrMalformedID
	}
	return id, nil
}
