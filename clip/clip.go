// Package clip bounds scalar measurements to a configured range.
package clip

// A Clipper bounds values to [Min, Max].
type Clipper struct {
	Min float64
	Max float64
}

// Clip returns v limited to the clipper's range.
func (c Clipper) Clip(v float64) float64 {
	if v < c.Min {
		return c.Min
	}
	if v > c.Max {
		return c.Max
	}
	return v
}
