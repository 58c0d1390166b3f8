package embedding

import "math"

// Combine merges field vectors into one unit vector using Dimension as the
// required length. See CombineDim.
func Combine(vectors [][]float32, weights []float64) []float32 {
	return CombineDim(Dimension, vectors, weights)
}

// CombineDim computes the weighted average of the vectors that are present
// and exactly dim long, then L2-normalizes it.
//
// Weights are renormalized over the surviving vectors only, so a profile
// with just a bio gets the bio at full weight rather than at its nominal
// share. Returns nil when no vector survives or the surviving weights do
// not sum to a positive finite number. A zero-magnitude sum is returned
// un-normalized.
func CombineDim(dim int, vectors [][]float32, weights []float64) []float32 {
	type pair struct {
		vec    []float32
		weight float64
	}

	var present []pair
	var total float64
	for i, v := range vectors {
		if len(v) != dim || dim == 0 || i >= len(weights) {
			continue
		}
		w := weights[i]
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			continue
		}
		present = append(present, pair{vec: v, weight: w})
		total += w
	}
	if len(present) == 0 || total <= 0 || math.IsInf(total, 0) {
		return nil
	}

	sum := make([]float64, dim)
	for _, p := range present {
		w := p.weight / total
		for j, x := range p.vec {
			sum[j] += w * float64(x)
		}
	}

	var mag float64
	for _, x := range sum {
		mag += x * x
	}
	mag = math.Sqrt(mag)

	out := make([]float32, dim)
	for j, x := range sum {
		if mag > 0 {
			x /= mag
		}
		out[j] = float32(x)
	}
	return out
}

// CombineFields combines a profile's field vectors (keyed by field) with
// the given weights.
func CombineFields(fields map[Field][]float32, w Weights) []float32 {
	vecs := make([][]float32, len(TextFields))
	for i, f := range TextFields {
		vecs[i] = fields[f]
	}
	return Combine(vecs, w.slice())
}
