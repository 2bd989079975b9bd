package subgraph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// KeyString returns the canonical form of an entity key value. Numeric keys
// compare equal regardless of their Go type, so a key read back from a JSON
// or protobuf payload (float64) matches the same key produced in process
// (int). Strings are kept verbatim; "1" and 1 therefore denote the same
// entity, matching ID scalar semantics.
func KeyString(v any) string {
	switch k := v.(type) {
	case nil:
		return ""
	case string:
		return k
	case int:
		return strconv.FormatInt(int64(k), 10)
	case int8:
		return strconv.FormatInt(int64(k), 10)
	case int16:
		return strconv.FormatInt(int64(k), 10)
	case int32:
		return strconv.FormatInt(int64(k), 10)
	case int64:
		return strconv.FormatInt(k, 10)
	case uint:
		return strconv.FormatUint(uint64(k), 10)
	case uint8:
		return strconv.FormatUint(uint64(k), 10)
	case uint16:
		return strconv.FormatUint(uint64(k), 10)
	case uint32:
		return strconv.FormatUint(uint64(k), 10)
	case uint64:
		return strconv.FormatUint(k, 10)
	case float32:
		return formatFloat(float64(k))
	case float64:
		return formatFloat(k)
	case json.Number:
		if f, err := k.Float64(); err == nil {
			return formatFloat(f)
		}
		return k.String()
	case bool:
		return strconv.FormatBool(k)
	default:
		b, err := json.Marshal(k)
		if err != nil {
			return fmt.Sprint(k)
		}
		return string(b)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
