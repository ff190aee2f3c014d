package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decoder turns one non-null scanned value into its response value.
type Decoder func(v any) (any, error)

// Decoders maps result keys to their decoder.
type Decoders map[string]Decoder

// timeLayouts are the text forms SQLite hands back for datetime columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// DecodeBool reads SQLite's 0/1 integers and Postgres booleans alike.
func DecodeBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	case string:
		return strconv.ParseBool(b)
	}
	return nil, fmt.Errorf("unexpected %T for boolean", v)
}

func DecodeTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return nil, fmt.Errorf("unrecognized time %q", t)
	}
	return nil, fmt.Errorf("unexpected %T for time", v)
}

// DecodeJSON parses JSON text. Values that are not JSON text, such as the
// result of extracting a scalar path, pass through.
func DecodeJSON(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s, nil
	}
	return out, nil
}

// DecodeCSV splits a comma separated column into its values.
func DecodeCSV(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if s == "" {
		return []string{}, nil
	}
	return strings.Split(s, ","), nil
}
