package ioutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxProviderResponse bounds how much of any identity provider response body
// is read into memory.
const MaxProviderResponse = 1 << 20

// ReadLimited reads up to limit bytes from r and returns the content as a string.
// If reading fails, returns a string describing the read failure instead of silencing
// the error. This is intended for including response bodies in error messages and logs.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// ReadAllLimited reads all of r, failing when it holds more than limit bytes
// instead of silently truncating.
func ReadAllLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

// DecodeJSONLimited decodes a single JSON document of at most limit bytes.
func DecodeJSONLimited(r io.Reader, limit int64, v any) error {
	body, err := ReadAllLimited(r, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
