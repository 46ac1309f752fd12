// Package canonicalize produces the deterministic JSON form of a receipt and
// its SHA-256 content hash. The canonical form sorts object keys at every
// depth, uses compact separators, and escapes all non-ASCII characters so the
// hash is stable regardless of source encoding or key order.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// HashPrefix tags every canonical hash with its algorithm.
const HashPrefix = "sha256:"

// Fields assigned by the server that must never contribute to the hash.
var serverFields = []string{"canonical_hash", "tenant_id", "stored_at", "idempotent_replay"}

// ReceiptHash computes the canonical JSON and content hash of a receipt
// payload (a "dumped" envelope map with nulls already stripped).
//
// created_at is included iff the client supplied it; a server-assigned
// timestamp is excluded so replays of the same client payload hash
// identically regardless of wall clock.
func ReceiptHash(payload map[string]any, includeCreatedAt bool) (string, string, error) {
	trimmed := make(map[string]any, len(payload))
	for k, v := range payload {
		trimmed[k] = v
	}
	for _, f := range serverFields {
		delete(trimmed, f)
	}
	if !includeCreatedAt {
		delete(trimmed, "created_at")
	}

	canonical, err := Canonical(trimmed)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(canonical)
	return string(canonical), HashPrefix + hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical JSON representation of v.
//
// Strategy (respects json struct tags): marshal to intermediate JSON, decode
// to generic values preserving number literals, then re-marshal recursively
// with sorted keys and ASCII-only string escapes.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JSONSizeBytes returns the byte size of v serialized in canonical form.
// Used to enforce the receipt body size limit.
func JSONSizeBytes(v any) (int, error) {
	b, err := Canonical(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		writeASCIIString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeASCIIString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Decoding with UseNumber yields only the types above.
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// writeASCIIString writes s as a JSON string escaping every non-ASCII rune
// as \uXXXX (surrogate pairs above the BMP).
func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteByte(byte(r))
			case r <= 0xFFFF:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}
