package taskqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeJob gob-encodes a Job.
func EncodeJob(j Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&j); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJob gob-decodes a Job.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}
