// Package binarize turns restored probability volumes into binary masks using a
// global Otsu threshold.
package binarize

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"lungseg/internal/errs"
	"lungseg/internal/models"
)

// Bins is the number of histogram bins Otsu's method is evaluated over
const Bins = 256

// Otsu returns the intensity threshold that maximises the between-class variance
// of data's histogram. The histogram spans [min, max] of the finite values in
// Bins equal bins and the threshold is the centre of the last bin of the lower
// class, so it always lies strictly above the minimum and strictly below the
// maximum. NaN and infinite voxels do not take part.
//
// A constant input has no threshold and yields a DegenerateThresholdError.
func Otsu(data []float64) (float64, error) {
	lo, hi, n := finiteRange(data)
	if n == 0 {
		return 0, &errs.EmptyInputError{What: "no finite voxels to threshold"}
	}
	if lo == hi {
		return 0, &errs.DegenerateThresholdError{Value: lo}
	}

	width := (hi - lo) / Bins
	hist := make([]float64, Bins)
	for _, x := range data {
		if !isFinite(x) {
			continue
		}
		i := int((x - lo) / width)
		if i >= Bins {
			i = Bins - 1
		}
		hist[i]++
	}

	centres := make([]float64, Bins)
	for i := range centres {
		centres[i] = lo + (float64(i)+0.5)*width
	}

	weighted := make([]float64, Bins)
	floats.MulTo(weighted, hist, centres)

	cumCount := floats.CumSum(make([]float64, Bins), hist)
	cumSum := floats.CumSum(make([]float64, Bins), weighted)
	total, totalSum := cumCount[Bins-1], cumSum[Bins-1]

	best, bestVar := 0, -1.0
	for i := 0; i < Bins-1; i++ {
		w1 := cumCount[i]
		w2 := total - w1
		if w1 == 0 || w2 == 0 {
			continue
		}
		m1 := cumSum[i] / w1
		m2 := (totalSum - cumSum[i]) / w2
		between := w1 * w2 * (m1 - m2) * (m1 - m2)
		if between > bestVar {
			best, bestVar = i, between
		}
	}

	return centres[best], nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// finiteRange returns the minimum, maximum and count of the finite values
func finiteRange(data []float64) (lo, hi float64, n int) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range data {
		if !isFinite(x) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		n++
	}
	return lo, hi, n
}

// Binarize thresholds v with Otsu's method. Voxels at or above the threshold
// become 1, all others 0, NaN included. The returned volume shares v's geometry and header;
// v is not modified.
func Binarize(v *models.Volume) (*models.Volume, float64, error) {
	th, err := Otsu(v.Data)
	if err != nil {
		return nil, 0, err
	}

	out := &models.Volume{
		Data:    make([]float64, len(v.Data)),
		Shape:   v.Shape,
		Spacing: v.Spacing,
		Header:  v.Header,
		Path:    v.Path,
	}
	for i, x := range v.Data {
		if x >= th {
			out.Data[i] = 1
		}
	}
	return out, th, nil
}
