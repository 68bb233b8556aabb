// Package parameters handles generic configuration Params, a map[string]string that the
// user can set with a "key=value,key=value" configuration string.
//
// Models and trainers copy their hyperparameter defaults from a GoMLX context, and overwrite
// them with whatever is given in Params (see ApplyToContext).
package parameters

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/lzhmarkk/SimMST/internal/generics"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString create params from user's configuration string.
// Empty parts are ignored, and a key without "=" is stored with an empty value (which for
// booleans means true).
// See GetParamOr and PopParamOr to parse values from this map.
func NewFromConfigString(config string) Params {
	params := make(Params)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=") // Only the first '=' splits, values may contain '='.
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes from the params map the retrieved parameter.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr attempts to parse a parameter to the given type if the key is present, or returns the defaultValue
// if not.
//
// For bool types, a key without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var parsed any
	switch any(defaultValue).(type) {
	case string:
		parsed = value
	case int:
		if value == "" {
			return defaultValue, nil
		}
		v, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		parsed = v
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		parsed = float32(v)
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return defaultValue, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		parsed = v
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1":
			parsed = true
		case "false", "0":
			parsed = false
		default:
			return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
		}
	}
	return parsed.(T), nil
}

// ApplyToContext overwrites the root scope hyperparameters of ctx with the values found in params.
// The type of each hyperparameter is taken from its current (default) value in the context.
// Consumed keys are removed from params, so callers can check for unknown keys with CheckAllUsed.
func ApplyToContext(owner string, params Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		var newErr error
		switch defaultValue := valueAny.(type) {
		case string:
			var value string
			value, newErr = PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			var value int
			value, newErr = PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float64:
			var value float64
			value, newErr = PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case float32:
			var value float32
			value, newErr = PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case bool:
			var value bool
			value, newErr = PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		default:
			newErr = errors.Errorf("parameter %q is of unknown type %T", key, defaultValue)
		}
		if newErr != nil {
			err = errors.WithMessagef(newErr, "configuring %s", owner)
		}
	})
	return err
}

// CheckAllUsed returns an error listing the keys left in params, if any.
func CheckAllUsed(owner string, params Params) error {
	if len(params) == 0 {
		return nil
	}
	var keys []string
	for key := range generics.SortedKeys(params) {
		keys = append(keys, key)
	}
	return errors.Errorf("unknown parameters for %s: %s", owner, strings.Join(keys, ", "))
}
