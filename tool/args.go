package tool

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/petal-labs/petaltodo/todo"
)

// Arguments are the raw, caller-supplied tool arguments. A key mapped to nil
// is treated as absent; unknown keys are ignored.
type Arguments map[string]any

// DecodeArguments parses a JSON object. Empty input and JSON null decode to
// an empty argument set.
func DecodeArguments(raw json.RawMessage) (Arguments, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Arguments{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var args Arguments
	if err := dec.Decode(&args); err != nil {
		return nil, todo.Errorf(todo.KindValidation, "arguments must be a JSON object")
	}
	if args == nil {
		args = Arguments{}
	}
	return args, nil
}

func (a Arguments) lookup(keys ...string) (string, any, bool) {
	for _, key := range keys {
		if value, ok := a[key]; ok && value != nil {
			return key, value, true
		}
	}
	return "", nil, false
}

func (a Arguments) str(key string) (*string, error) {
	_, value, ok := a.lookup(key)
	if !ok {
		return nil, nil
	}
	s, isString := value.(string)
	if !isString {
		return nil, todo.Errorf(todo.KindValidation, "%s must be a string", key)
	}
	return &s, nil
}

func (a Arguments) boolean(key string) (*bool, error) {
	_, value, ok := a.lookup(key)
	if !ok {
		return nil, nil
	}
	b, isBool := value.(bool)
	if !isBool {
		return nil, todo.Errorf(todo.KindValidation, "%s must be a boolean", key)
	}
	return &b, nil
}

// integer reads the first present key. Floats are accepted only when they
// carry an integral value.
func (a Arguments) integer(keys ...string) (*int64, string, error) {
	key, value, ok := a.lookup(keys...)
	if !ok {
		return nil, "", nil
	}
	n, valid := toInt64(value)
	if !valid {
		return nil, key, todo.Errorf(todo.KindValidation, "%s must be an integer", key)
	}
	return &n, key, nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// recordID reads the required record id, accepting todo_id as an alias.
// Zero counts as missing. Negative ids are passed through and come back as
// not_found from the service.
func (a Arguments) recordID() (int64, error) {
	id, key, err := a.integer("id", "todo_id")
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, todo.Errorf(todo.KindValidation, "id is required")
	}
	if *id == 0 {
		return 0, todo.Errorf(todo.KindValidation, "%s is required", key)
	}
	return *id, nil
}

func (a Arguments) idempotencyKey() (string, error) {
	key, err := a.str("idempotency_key")
	if err != nil || key == nil {
		return "", err
	}
	clean := strings.TrimSpace(*key)
	if len(clean) > 255 {
		return "", todo.Errorf(todo.KindValidation, "idempotency_key must be 255 characters or less")
	}
	return clean, nil
}
