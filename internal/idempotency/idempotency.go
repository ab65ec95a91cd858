// Package idempotency derives deterministic content hashes from structured
// values. The planner stamps each working spec with the hash of the
// planning context that produced it, so replanning the same task yields a
// spec that can be recognized as identical.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iambrandonn/corch/internal/protocol"
)

// CanonicalJSON converts a value to deterministic JSON by recursively sorting map keys
// This ensures that logically equivalent data structures always produce the same JSON
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through generic JSON first so struct field order and map
	// order both normalize.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to reparse value: %w", err)
	}

	normalized, err := normalizeValue(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return data, nil
}

// normalizeValue recursively converts maps to sorted representations
func normalizeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return normalizeSortedMap(val)

	case []interface{}:
		// Process array elements but preserve order
		normalized := make([]interface{}, len(val))
		for i, item := range val {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			normalized[i] = n
		}
		return normalized, nil

	default:
		// Primitives pass through
		return v, nil
	}
}

// sortedMap is a JSON-marshalable type that maintains key ordering
type sortedMap struct {
	keys   []string
	values map[string]interface{}
}

func normalizeSortedMap(m map[string]interface{}) (*sortedMap, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(map[string]interface{}, len(m))
	for k, v := range m {
		n, err := normalizeValue(v)
		if err != nil {
			return nil, err
		}
		values[k] = n
	}

	return &sortedMap{keys: keys, values: values}, nil
}

// MarshalJSON emits the map with its keys in sorted order
func (s *sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range s.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ContextHash computes the content hash of the planning context for a
// task: the descriptor's identity, description, tier, scope, and acceptance
// criteria. Two plan calls for an unchanged task produce the same hash.
func ContextHash(task *protocol.TaskDescriptor) (string, error) {
	data, err := CanonicalJSON(map[string]interface{}{
		"id":          task.ID.String(),
		"description": task.Description,
		"risk_tier":   int(task.RiskTier),
		"scope_in":    task.ScopeIn,
		"scope_out":   task.ScopeOut,
		"acceptance":  task.AcceptanceCriteria,
	})
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:]), nil
}
