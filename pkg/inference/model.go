// Package inference runs the segmentation network over a patch tensor.
//
// The network is an external collaborator behind the Model interface. One Model
// value is created per batch and reused for every fold: RunFolds loads each
// weight set in turn and predicts the whole tensor once per fold, so the cost of
// loading weights is paid once per fold rather than once per volume.
package inference

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lungseg/internal/errs"
	"lungseg/pkg/tensor"
)

// Model is a segmentation network that can switch between fold weight sets
type Model interface {
	// Load replaces the current weights with the weight set identified by weights
	Load(ctx context.Context, weights string) error

	// Predict returns one probability patch per input patch, in the same order
	Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error)
}

// RunFolds predicts the tensor once with every weight set, in order, reusing model
func RunFolds(ctx context.Context, model Model, weights []string, input *tensor.Tensor, logger *zap.Logger) ([]*tensor.Tensor, error) {
	if len(weights) == 0 {
		return nil, &errs.EmptyInputError{What: "no fold weights given"}
	}
	if input.NumRows() == 0 {
		return nil, &errs.EmptyInputError{What: "inference tensor has no patches"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	predictions := make([]*tensor.Tensor, 0, len(weights))
	for i, w := range weights {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logger.Info("segmentation inference fold",
			zap.Int("fold", i+1), zap.Int("folds", len(weights)), zap.String("weights", w))

		if err := model.Load(ctx, w); err != nil {
			return nil, fmt.Errorf("failed to load fold %d weights %s: %w", i+1, w, err)
		}
		pred, err := model.Predict(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("fold %d prediction failed: %w", i+1, err)
		}
		if err := input.SameLayout(pred); err != nil {
			return nil, fmt.Errorf("fold %d prediction is not aligned with the input: %w", i+1, err)
		}
		predictions = append(predictions, pred)
	}

	return predictions, nil
}

// PredictFunc computes a prediction for one weight set
type PredictFunc func(ctx context.Context, weights string, input *tensor.Tensor) (*tensor.Tensor, error)

// FuncModel adapts a PredictFunc to the Model interface. It is used for
// in-process models and for testing.
type FuncModel struct {
	Fn PredictFunc

	weights string
}

// Load records the weight set passed to the next Predict
func (m *FuncModel) Load(ctx context.Context, weights string) error {
	m.weights = weights
	return nil
}

// Predict calls the wrapped function with the current weights
func (m *FuncModel) Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	return m.Fn(ctx, m.weights, input)
}
