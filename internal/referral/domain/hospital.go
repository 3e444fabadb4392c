package domain

import (
	"strconv"
	"strings"
)

// HospitalID identifies a hospital in the directory.
type HospitalID string

func (h HospitalID) String() string { return string(h) }

// CompareHospitalIDs orders ids naturally: numerically when both are
// integers, lexicographically otherwise. Used to break selection ties.
func CompareHospitalIDs(a, b HospitalID) int {
	ai, aErr := strconv.ParseInt(string(a), 10, 64)
	bi, bErr := strconv.ParseInt(string(b), 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(string(a), string(b))
}
