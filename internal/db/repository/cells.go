package repository

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"doc-access/internal/domain"
)

// encodeCell renders a cell as JSON text. Floats always carry a decimal
// point or exponent so decodeCell can tell them from integers.
func encodeCell(v domain.CellValue) (string, error) {
	var buf bytes.Buffer
	if err := writeCell(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCell(buf *bytes.Buffer, v domain.CellValue) error {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("cannot store non-finite number %v", x)
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case float32:
		return writeCell(buf, float64(x))
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCell(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode cell: %w", err)
		}
		buf.Write(data)
	}
	return nil
}

// decodeCell parses JSON text written by encodeCell. SQL NULL is nil.
func decodeCell(text sql.NullString) (domain.CellValue, error) {
	if !text.Valid {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(text.String))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode cell %q: %w", text.String, err)
	}
	return fromJSON(raw)
}

func fromJSON(v any) (domain.CellValue, error) {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if strings.ContainsAny(s, ".eE") {
			return x.Float64()
		}
		return x.Int64()
	case []any:
		for i, item := range x {
			val, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			x[i] = val
		}
		return x, nil
	case map[string]any:
		for k, item := range x {
			val, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			x[k] = val
		}
		return x, nil
	}
	return v, nil
}

// quoteIdent quotes a table or column id for use in SQL.
func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
