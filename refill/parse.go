package refill

import (
	"fmt"
	"strconv"

	"fascb/nozzle"
	"fascb/refill/meter"
)

// parseLiters extracts the numeric reading from a meter_read reply
// (spec.md §4.1: "meter_read(<liters: unsigned decimal>)").
func parseLiters(f nozzle.Frame) (meter.Liters, error) {
	if len(f.Args) < 1 {
		return 0, fmt.Errorf("refill: meter_read reply missing value: %q", f.Raw)
	}
	v, err := strconv.ParseFloat(f.Args[0], 64)
	if err != nil {
		return 0, fmt.Errorf("refill: malformed meter_read value %q: %w", f.Args[0], err)
	}
	return meter.FromFloat(v), nil
}
