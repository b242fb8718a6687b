package signals

import (
	"encoding/json"
	"strings"
	"time"
)

// lookup resolves a dotted field path in a document source. A literal key
// containing dots takes precedence over nested traversal.
func lookup(source map[string]interface{}, path string) interface{} {
	if v, ok := source[path]; ok {
		return v
	}
	current := source
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil
		}
		if i == len(parts)-1 {
			return v
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// originalTime renders a source timestamp value as a string. Epoch millis
// are converted to RFC 3339.
func originalTime(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339Nano)
	case int64:
		return time.UnixMilli(t).UTC().Format(time.RFC3339Nano)
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
		}
		return t.String()
	default:
		return ""
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
