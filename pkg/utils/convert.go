package utils

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingType = errors.New("message has no type")

// ToJson encodes v into a single text frame payload.
func ToJson(v interface{}) ([]byte, error) {
	byt, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return byt, nil
}

// DecodeEnvelope unmarshals data into v and reports the value of the
// top-level "type" field. A payload that is not a JSON object, or whose
// type is missing or empty, is an error.
func DecodeEnvelope(data []byte, v interface{}) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode json: %w", err)
	}
	if head.Type == "" {
		return "", ErrMissingType
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			return head.Type, fmt.Errorf("decode %s: %w", head.Type, err)
		}
	}
	return head.Type, nil
}
