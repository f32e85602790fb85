package strategy

import (
	"github.com/quantfold/tradebot/pkg/errors"
)

// intParam reads an integer parameter, accepting the float64 form YAML and
// JSON decoders commonly produce.
func intParam(params map[string]any, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}

	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, errors.Newf(errors.ErrCodeInvalidParameter, "parameter %q must be an integer, got %v", key, v)
		}

		return int(v), nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "parameter %q must be an integer, got %T", key, raw)
	}
}

func floatParam(params map[string]any, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}

	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidParameter, "parameter %q must be a number, got %T", key, raw)
	}
}
