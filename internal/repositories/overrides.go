package repositories

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chimera-ai/chimera/internal/db"
)

// allowedOverrideKeys is the strict schema for channel config overrides.
// Patches containing any other key are rejected outright.
var allowedOverrideKeys = map[string]struct{}{
	"personaId":    {},
	"llmConfigId":  {},
	"model":        {},
	"temperature":  {},
	"maxTokens":    {},
	"systemPrompt": {},
}

// MergeChannelOverrides applies a JSON merge patch with strict-schema
// semantics to an existing override blob:
//
//   - a key present with a null value removes the key from the merged object
//   - a key present with any other value replaces it
//   - a key omitted from the patch keeps its existing value
//
// Clearing a field is therefore distinct from omitting it. The result is
// serialized with sorted keys so repeated merges of identical state are
// byte-stable.
func MergeChannelOverrides(existing db.JSONText, patch []byte) (db.JSONText, error) {
	merged := map[string]json.RawMessage{}
	if existing != "" && existing != "{}" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return "", fmt.Errorf("overrides: existing blob is not an object: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.UseNumber()
	var patchMap map[string]json.RawMessage
	if err := dec.Decode(&patchMap); err != nil {
		return "", fmt.Errorf("overrides: patch is not an object: %w", err)
	}

	for key, value := range patchMap {
		if _, ok := allowedOverrideKeys[key]; !ok {
			return "", fmt.Errorf("overrides: unknown field %q", key)
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}

	// Serialize with deterministic key order.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(merged[k])
	}
	buf.WriteByte('}')

	return db.JSONText(buf.String()), nil
}
