package rail

import (
	"encoding/json"
	"fmt"
	"io"
)

// maxResponseBytes bounds provider response bodies. Providers should never
// send anything close to this; the cap protects against a misbehaving or
// spoofed endpoint.
const maxResponseBytes = 1 << 20

// jsonDecodeRaw reads a bounded response body as raw JSON so callers can
// decode it twice (once for the result code, once for the payload).
func jsonDecodeRaw(r io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return json.RawMessage(data), nil
}
