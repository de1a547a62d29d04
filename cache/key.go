package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Key derives the cache key for a tool call: a hex SHA-256 over the tool
// name and the canonical form of the argument object. Canonicalization sorts
// object keys recursively, so argument order never splits a cache slot.
func Key(tool string, args json.RawMessage) string {
	var sb strings.Builder
	sb.WriteString(tool)
	sb.WriteByte('\n')
	if len(args) > 0 {
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			// Unparseable arguments never reach the cache in practice
			// (validation runs first); fall back to the raw bytes.
			sb.Write(args)
		} else {
			writeCanonical(&sb, v)
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case string:
		sb.WriteString(strconv.Quote(t))
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case nil:
		sb.WriteString("null")
	default:
		fmt.Fprintf(sb, "%v", t)
	}
}
