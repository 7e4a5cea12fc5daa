package utils

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// Serialize/Unserialize give the repo a single import site for JSON so the
// codec can be switched without touching callers.

func Serialize(o any) ([]byte, error) {
	return gjson.Marshal(o)
}

func Unserialize(b []byte, o any) error {
	return gjson.Unmarshal(b, o)
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
