// Package features turns the readings of one window into the fixed vector the
// craving model is trained on.
package features

import (
	"math"

	"github.com/montanaflynn/stats"

	"cravewatch/internal/apperr"
	"cravewatch/internal/model"
)

// Size is the number of features in a Vector.
const Size = 11

// Names lists the feature names in vector order. Model artifacts must carry
// exactly this list.
var Names = [Size]string{
	"hr_mean",
	"hr_std",
	"hr_min",
	"hr_max",
	"hr_range",
	"accel_magnitude_mean",
	"accel_magnitude_std",
	"gyro_magnitude_mean",
	"gyro_magnitude_std",
	"accel_energy",
	"gyro_energy",
}

const (
	HRMean = iota
	HRStd
	HRMin
	HRMax
	HRRange
	AccelMagnitudeMean
	AccelMagnitudeStd
	GyroMagnitudeMean
	GyroMagnitudeStd
	AccelEnergy
	GyroEnergy
)

type Vector [Size]float64

// Extract summarises readings. An empty slice yields the zero vector.
func Extract(readings []model.Reading) Vector {
	var vec Vector
	if len(readings) == 0 {
		return vec
	}
	hr := make(stats.Float64Data, len(readings))
	accel := make(stats.Float64Data, len(readings))
	gyro := make(stats.Float64Data, len(readings))
	for i, r := range readings {
		hr[i] = r.HeartRate
		accel[i] = magnitude(r.AccelX, r.AccelY, r.AccelZ)
		gyro[i] = magnitude(r.GyroX, r.GyroY, r.GyroZ)
	}

	vec[HRMean] = mean(hr)
	vec[HRStd] = sampleStd(hr)
	vec[HRMin], _ = stats.Min(hr)
	vec[HRMax], _ = stats.Max(hr)
	vec[HRRange] = vec[HRMax] - vec[HRMin]
	vec[AccelMagnitudeMean] = mean(accel)
	vec[AccelMagnitudeStd] = sampleStd(accel)
	vec[GyroMagnitudeMean] = mean(gyro)
	vec[GyroMagnitudeStd] = sampleStd(gyro)
	vec[AccelEnergy] = energy(accel)
	vec[GyroEnergy] = energy(gyro)
	return vec
}

func magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

func mean(data stats.Float64Data) float64 {
	m, err := stats.Mean(data)
	if err != nil {
		return 0
	}
	return m
}

// sampleStd is the n-1 standard deviation; below two samples it is 0.
func sampleStd(data stats.Float64Data) float64 {
	if len(data) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviationSample(data)
	if err != nil || math.IsNaN(sd) {
		return 0
	}
	return sd
}

func energy(magnitudes stats.Float64Data) float64 {
	var sum float64
	for _, m := range magnitudes {
		sum += m * m
	}
	return sum
}

// Slice returns a copy of the vector as a slice.
func (v Vector) Slice() []float64 {
	out := make([]float64, Size)
	copy(out, v[:])
	return out
}

func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, Size)
	for i, name := range Names {
		out[name] = v[i]
	}
	return out
}

// FromMap builds a vector from named values. Missing or unknown names are a
// feature mismatch.
func FromMap(values map[string]float64) (Vector, error) {
	var vec Vector
	for i, name := range Names {
		v, ok := values[name]
		if !ok {
			return vec, apperr.Newf(apperr.CodeFeatureMismatch, "feature %q missing", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return vec, apperr.Newf(apperr.CodeInvalidInput, "feature %q is not finite", name)
		}
		vec[i] = v
	}
	if len(values) != Size {
		for name := range values {
			if Index(name) < 0 {
				return vec, apperr.Newf(apperr.CodeFeatureMismatch, "unknown feature %q", name)
			}
		}
	}
	return vec, nil
}

// FromSlice accepts a positional vector in Names order.
func FromSlice(values []float64) (Vector, error) {
	var vec Vector
	if len(values) != Size {
		return vec, apperr.Newf(apperr.CodeFeatureMismatch, "expected %d features, got %d", Size, len(values))
	}
	copy(vec[:], values)
	return vec, nil
}

func Index(name string) int {
	for i, n := range Names {
		if n == name {
			return i
		}
	}
	return -1
}

// CheckNames verifies that names equals Names, order included.
func CheckNames(names []string) error {
	if len(names) != Size {
		return apperr.Newf(apperr.CodeFeatureMismatch, "model expects %d features, extractor produces %d", len(names), Size)
	}
	for i, name := range names {
		if name != Names[i] {
			return apperr.Newf(apperr.CodeFeatureMismatch, "feature %d is %q in model, %q in extractor", i, name, Names[i])
		}
	}
	return nil
}
