package utils

import (
	"math"

	"gwi.com/context-recommender/internal/errs"
)

// dotAndMagnitudes accumulates in float64 so long float32 vectors keep precision.
func dotAndMagnitudes(vec1, vec2 []float32) (dot, mag1, mag2 float64) {
	for i := range vec1 {
		a, b := float64(vec1[i]), float64(vec2[i])
		dot += a * b
		mag1 += a * a
		mag2 += b * b
	}
	return dot, math.Sqrt(mag1), math.Sqrt(mag2)
}

// Magnitude returns the L2 norm of vec.
func Magnitude(vec []float32) float64 {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += float64(val) * float64(val)
	}
	return math.Sqrt(sumOfSquares)
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|). Vectors must have the same
// dimension. A zero-magnitude vector has similarity 0 with everything.
func CosineSimilarity(vec1, vec2 []float32) (float64, error) {
	if len(vec1) != len(vec2) {
		return 0, errs.DimensionMismatch("cosine similarity", len(vec1), len(vec2))
	}
	dot, mag1, mag2 := dotAndMagnitudes(vec1, vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}

	sim := dot / (mag1 * mag2)
	// rounding can push identical vectors a hair past 1
	return math.Max(-1, math.Min(1, sim)), nil
}

// NormalizeWeights scales two weights so they sum to 1.
func NormalizeWeights(weightA, weightB float64) (float64, float64, error) {
	for _, w := range []float64{weightA, weightB} {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return 0, 0, errs.Validation("normalize weights", "weights must be finite and non-negative")
		}
	}
	sum := weightA + weightB
	if sum == 0 {
		return 0, 0, errs.Validation("normalize weights", "weights must not both be zero")
	}
	return weightA / sum, weightB / sum, nil
}

// Combine returns the elementwise weighted sum of a and b using normalized
// weights. The result is not rescaled to unit length; use Normalize for that.
func Combine(a, b []float32, weightA, weightB float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, errs.DimensionMismatch("combine vectors", len(a), len(b))
	}
	wa, wb, err := NormalizeWeights(weightA, weightB)
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(float64(a[i])*wa + float64(b[i])*wb)
	}
	return out, nil
}

// Normalize returns a unit-length copy of vec. A zero vector is returned as a
// zero copy.
func Normalize(vec []float32) []float32 {
	out := make([]float32, len(vec))
	mag := Magnitude(vec)
	if mag == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / mag)
	}
	return out
}
