package bbservice

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbstore"
)

// Arguments arrive decoded from JSON (with numbers preserved as json.Number),
// but the service is also called directly with native Go values. These
// helpers accept both and reject anything that doesn't have an obvious
// canonical form, rather than stringifying it.

func coerceString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	}

	return "", xerrors.Errorf("expected a string, got %T: %w", v, bbstore.ErrInvalidParameter)
}

func coerceSeconds(v any) (float64, error) {
	var s string

	switch v := v.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return 0, xerrors.Errorf("expected a number, got %T: %w", v, bbstore.ErrInvalidParameter)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Out of range values still come back as a usable ±Inf.
		if errors.Is(err, strconv.ErrRange) && math.IsInf(f, 0) {
			return f, nil
		}

		return 0, xerrors.Errorf("%q is not a number: %w", s, bbstore.ErrInvalidParameter)
	}

	return f, nil
}
