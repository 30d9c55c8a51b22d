package detect

import (
	"encoding/json"
	"fmt"
)

// SensitivityMargin scales the calibrated peak into the occupancy threshold
const SensitivityMargin = 4

// Result is the outcome of classifying one sweep
type Result int

const (
	Empty    Result = 0
	Occupied Result = 1
)

// String returns the result name
func (r Result) String() string {
	switch r {
	case Occupied:
		return "occupied"
	case Empty:
		return "empty"
	}
	return "unknown"
}

// MarshalJSON encodes the result by name
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// Classify reports Occupied when peak exceeds baseline*ratio*SensitivityMargin
func Classify(peak, baseline, ratio float64) Result {
	if peak > baseline*ratio*SensitivityMargin {
		return Occupied
	}
	return Empty
}

// UnmarshalJSON decodes a result name
func (r *Result) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "occupied":
		*r = Occupied
	case "empty":
		*r = Empty
	default:
		return fmt.Errorf("unknown result %q", name)
	}
	return nil
}
