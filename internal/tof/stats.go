package tof

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises a burst of samples. The distance fields are nil when no
// sample in the burst was valid.
type Stats struct {
	Count  int      `json:"count"`
	Valid  int      `json:"valid_count"`
	MinMM  *int     `json:"min_mm"`
	MaxMM  *int     `json:"max_mm"`
	MeanMM *float64 `json:"mean_mm"`
	StdDev *float64 `json:"stddev_mm"`
}

// Summarize computes Stats over samples.
func Summarize(samples []Sample) Stats {
	st := Stats{Count: len(samples)}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Value(); ok {
			values = append(values, float64(v))
		}
	}
	st.Valid = len(values)
	if st.Valid == 0 {
		return st
	}

	lo, hi := int(floats.Min(values)), int(floats.Max(values))
	mean, std := stat.MeanStdDev(values, nil)
	if st.Valid < 2 {
		std = 0
	}
	st.MinMM, st.MaxMM = &lo, &hi
	st.MeanMM, st.StdDev = &mean, &std
	return st
}
