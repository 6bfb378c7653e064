// Package fingerprint derives cache keys from chat-completion request bodies.
//
// A key is SHA-256 over a scope string and a canonical JSON form of the
// request. The canonical form sorts object keys at every depth, keeps array
// order, drops top-level nulls and ignored fields, and writes numbers in one
// spelling, so bodies that differ only in formatting share a key.
//
// The "stream" field is kept, normalized to a boolean. A streaming request
// and a non-streaming request never share an entry: a chunked capture cannot
// be turned into an atomic body (or back) without re-serializing parsed
// content, which would not be byte-faithful.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/pario-ai/llmcache/pkg/cache"
)

// ErrInvalidRequest is returned for bodies that cannot be normalized.
var ErrInvalidRequest = errors.New("fingerprint: invalid request")

// DefaultIgnoreFields are top-level fields that never affect the response.
var DefaultIgnoreFields = []string{"request_id", "trace_id", "user"}

// Fingerprinter computes cache keys. It is immutable and safe for
// concurrent use.
type Fingerprinter struct {
	ignore map[string]bool
}

// New creates a Fingerprinter that drops the given top-level fields. A nil
// slice means DefaultIgnoreFields.
func New(ignoreFields []string) *Fingerprinter {
	if ignoreFields == nil {
		ignoreFields = DefaultIgnoreFields
	}
	ignore := make(map[string]bool, len(ignoreFields))
	for _, f := range ignoreFields {
		ignore[f] = true
	}
	// Fields the key cannot do without.
	delete(ignore, "model")
	delete(ignore, "stream")
	return &Fingerprinter{ignore: ignore}
}

// Fingerprint returns the cache key of body within scope. Scope separates
// endpoints and providers whose bodies look alike.
func (f *Fingerprinter) Fingerprint(scope string, body []byte) (cache.Key, error) {
	canonical, err := f.Canonical(body)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canonical)
	return cache.Key(hex.EncodeToString(h.Sum(nil))), nil
}

// Canonical returns the normalized bytes that Fingerprint hashes.
func (f *Fingerprinter) Canonical(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var req map[string]any
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidRequest)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidRequest)
	}

	model, ok := req["model"].(string)
	if !ok || model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if msgs, present := req["messages"]; present && msgs != nil {
		if _, ok := msgs.([]any); !ok {
			return nil, fmt.Errorf("%w: messages must be an array", ErrInvalidRequest)
		}
	}

	normalized := make(map[string]any, len(req))
	for k, v := range req {
		if v == nil || f.ignore[k] {
			continue
		}
		normalized[k] = v
	}

	stream, err := streamFlag(req["stream"])
	if err != nil {
		return nil, err
	}
	normalized["stream"] = stream

	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func streamFlag(v any) (bool, error) {
	switch s := v.(type) {
	case nil:
		return false, nil
	case bool:
		return s, nil
	default:
		return false, fmt.Errorf("%w: stream must be a boolean", ErrInvalidRequest)
	}
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		n, err := canonicalNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported value %T", ErrInvalidRequest, v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// canonicalNumber spells equal numbers identically: integers that fit in
// int64 keep every digit, everything else goes through float64.
func canonicalNumber(n json.Number) (string, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: bad number %q", ErrInvalidRequest, n)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
