package aggregate

import (
	"math"
	"strconv"
	"strings"
)

// Matches reports whether the rule's constraint holds for attrs. A rule whose
// variable is absent never matches; neither does a bound rule on a non-numeric value.
func (r Rule) Matches(attrs map[string]string) bool {
	raw, ok := attrs[r.Variable]
	if !ok {
		return false
	}
	raw = strings.TrimSpace(raw)

	if r.Constraint == ConstraintEnum {
		return enumEqual(raw, r.Enumeration)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return false
	}
	switch r.Constraint {
	case ConstraintInside:
		return v > r.Lower && v < r.Upper
	case ConstraintInsideInclusive:
		return v >= r.Lower && v <= r.Upper
	case ConstraintOutside:
		return v < r.Lower || v > r.Upper
	case ConstraintOutsideInclusive:
		return v <= r.Lower || v >= r.Upper
	}
	return false
}

// enumEqual compares numerically when both sides are numbers, so "1" equals "1.0"
func enumEqual(value, target string) bool {
	if value == target {
		return true
	}
	a, errA := strconv.ParseFloat(value, 64)
	b, errB := strconv.ParseFloat(target, 64)
	return errA == nil && errB == nil && a == b
}

// appliesTo reports whether a rule's variable is used for travel in dir.
// Variables tagged for the opposite direction are ignored.
func (r Rule) appliesTo(dir Direction) bool {
	switch dir {
	case Forward:
		return !strings.Contains(r.Variable, "B_A")
	case Reverse:
		return !strings.Contains(r.Variable, "A_B")
	}
	return true
}
