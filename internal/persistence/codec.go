package persistence

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	errEmptyEntityID = errors.New("entity id is required")
	errUpdateOnTask  = errors.New("step update requested on a task transition")
)

// EncodeValue serializes a task context, step config or result map as JSON.
// A nil map is stored as nil so that it round-trips to nil.
func EncodeValue(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
