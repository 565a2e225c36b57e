package modality

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/knights-analytics/galvatron/errs"
)

// Validate checks a caller supplied modality mapping and builds a Batch from it.
//
// data must be a map with string keys (or a Batch, which is copied). Values may be a string,
// a *string, an Input or an *Input; nil values mean the modality is absent and are dropped.
// Validation has no side effects and always runs to completion before any backend work.
func Validate(data any) (Batch, error) {
	switch b := data.(type) {
	case Batch:
		return validateBatch(b)
	case map[Kind]Input:
		return validateBatch(b)
	}
	if data == nil {
		return nil, &errs.InvalidRequestShapeError{Reason: "modality data is nil, expected a mapping"}
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("modality data must be a mapping keyed by modality name, got %T", data)}
	}
	if v.IsNil() {
		return Batch{}, nil
	}

	keys := make([]string, 0, v.Len())
	for _, key := range v.MapKeys() {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)

	batch := Batch{}
	seen := map[Kind]string{}
	for _, key := range keys {
		kind, err := ParseKind(key)
		if err != nil {
			return nil, err
		}
		if previous, dup := seen[kind]; dup {
			return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("keys %q and %q both name modality %s", previous, key, kind)}
		}
		seen[kind] = key

		input, present, err := toInput(v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key())))
		if err != nil {
			return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("modality %s: %s", kind, err)}
		}
		if present {
			batch[kind] = input
		}
	}
	return batch, nil
}

func validateBatch(b Batch) (Batch, error) {
	out := make(Batch, len(b))
	for kind, input := range b {
		if !kind.Valid() {
			return nil, &errs.UnknownModalityError{Key: kind.String()}
		}
		out[kind] = input
	}
	return out, nil
}

func toInput(v reflect.Value) (Input, bool, error) {
	if !v.IsValid() {
		return Input{}, false, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return Input{}, false, nil
		}
		v = v.Elem()
	}
	switch value := v.Interface().(type) {
	case string:
		return Input{Reference: value}, true, nil
	case *string:
		if value == nil {
			return Input{}, false, nil
		}
		return Input{Reference: *value}, true, nil
	case Input:
		return value, true, nil
	case *Input:
		if value == nil {
			return Input{}, false, nil
		}
		return *value, true, nil
	default:
		return Input{}, false, fmt.Errorf("unsupported value of type %T", value)
	}
}
