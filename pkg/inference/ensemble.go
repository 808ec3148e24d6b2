package inference

import (
	"github.com/x448/float16"

	"lungseg/internal/errs"
	"lungseg/pkg/tensor"
)

// EnsembleOptions controls the numeric precision of the fold average
type EnsembleOptions struct {
	// HalfPrecision rounds fold values and the mean to float16
	HalfPrecision bool
}

// Ensemble averages fold predictions element-wise. Every fold must cover the
// whole tensor.
func Ensemble(folds []*tensor.Tensor, opts EnsembleOptions) (*tensor.Tensor, error) {
	if len(folds) == 0 {
		return nil, &errs.EmptyInputError{What: "no fold predictions to ensemble"}
	}
	first := folds[0]
	for i, f := range folds[1:] {
		if err := first.SameLayout(f); err != nil {
			return nil, errs.ShapeMismatch("fold %d: %v", i+2, err)
		}
	}

	out := tensor.New(first.NumRows(), first.PatchShape())
	n := float32(len(folds))

	for i := range out.Data {
		var sum float32
		for _, f := range folds {
			sum += round(f.Data[i], opts.HalfPrecision)
		}
		out.Data[i] = round(sum/n, opts.HalfPrecision)
	}

	return out, nil
}

func round(x float32, half bool) float32 {
	if !half {
		return x
	}
	return float16.Fromfloat32(x).Float32()
}
