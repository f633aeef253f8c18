package audio

import "math"

// File export scaling. The peak is brought to FileHeadroom of full scale;
// signals quieter than PeakFloor are boosted as if their peak were PeakFloor.
const (
	FileHeadroom = 0.6
	PeakFloor    = 0.01
)

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}

	return float32(peak)
}

// PeakNormalize returns a scaled copy of samples whose peak is headroom,
// using gain = headroom / max(floor, peak).
func PeakNormalize(samples []float32, headroom, floor float32) []float32 {
	gain := headroom / max(floor, Peak(samples))

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}
