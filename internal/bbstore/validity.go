package bbstore

import (
	"math"
	"strconv"
	"time"
)

// NegativeValidityError is returned for a validity below zero. It matches
// ErrInvalidParameter under errors.Is.
type NegativeValidityError struct {
	Seconds float64
}

func (e *NegativeValidityError) Error() string {
	return "validity must be greater or equal to 0, got " + strconv.FormatFloat(e.Seconds, 'f', -1, 64)
}

func (e *NegativeValidityError) Is(target error) bool { return target == ErrInvalidParameter }

// ValidityFromSeconds converts a caller-supplied number of seconds into a
// Validity. Zero means the payload never goes stale, as does positive infinity
// or anything too large to be represented as a duration.
func ValidityFromSeconds(seconds float64) (Validity, error) {
	switch {
	case math.IsNaN(seconds):
		return 0, ErrInvalidParameter
	case seconds < 0:
		return 0, &NegativeValidityError{Seconds: seconds}
	case seconds == 0 || math.IsInf(seconds, 1):
		return ValidityInfinite, nil
	}

	nanos := seconds * float64(time.Second)
	if nanos >= math.MaxInt64 {
		return ValidityInfinite, nil
	}

	// Round sub-nanosecond windows up rather than letting them collapse to an
	// invalid zero.
	if nanos < 1 {
		return Validity(1), nil
	}

	return Validity(nanos), nil
}

func (v Validity) Seconds() float64 {
	if v.IsInfinite() {
		return math.Inf(1)
	}
	return time.Duration(v).Seconds()
}

func (v Validity) String() string {
	if v.IsInfinite() {
		return "infinite"
	}
	return time.Duration(v).String()
}
