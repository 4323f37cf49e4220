package docdata

import (
	"fmt"

	"doc-access/internal/domain"
)

// AsString returns a cell as text. Nil is the empty string.
func AsString(v domain.CellValue) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// AsInt returns a numeric cell as an integer, or 0.
func AsInt(v domain.CellValue) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

// AsFloat returns a numeric cell as a float, or 0.
func AsFloat(v domain.CellValue) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}
