package model

import (
	"encoding/json"
	"fmt"
)

// ToDoc flattens a tagged record into the map representation the store
// persists. Numeric fields come back as float64 on the round trip; the
// store's comparison rules account for that.
func ToDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return m, nil
}

// FromDoc decodes a stored document into a tagged record. Fields the record
// does not declare are dropped silently, so schema drift in old documents
// never fails a read.
func FromDoc(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
