// Package encode converts native analytical-engine values into forms that
// survive JSON transport: strings, numbers, booleans, and nulls only.
package encode

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Value renders one result cell as a transport-safe value. It never fails:
// unrecognized types fall back to their string representation.
func Value(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case string, bool:
		return typed
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return typed
	case float32:
		return finiteOrNil(float64(typed))
	case float64:
		return finiteOrNil(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case []byte:
		return string(typed)
	case *big.Rat:
		if typed == nil {
			return nil
		}
		return typed.FloatString(4)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// finiteOrNil guards against NaN and infinities, which DAX can produce (0/0)
// but JSON cannot carry.
func finiteOrNil(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// Row encodes every cell of a row mapping.
func Row(row map[string]any) map[string]any {
	encoded := make(map[string]any, len(row))
	for name, cell := range row {
		encoded[name] = Value(cell)
	}
	return encoded
}

// Rows encodes a full result set.
func Rows(rows []map[string]any) []map[string]any {
	encoded := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		encoded = append(encoded, Row(row))
	}
	return encoded
}

// Decimal formats a fixed-point value carried as a string, keeping at least
// four fractional digits so currency-scale precision is not lost in transport.
func Decimal(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	rat, ok := new(big.Rat).SetString(raw)
	if !ok {
		return raw
	}
	return rat.FloatString(4)
}
