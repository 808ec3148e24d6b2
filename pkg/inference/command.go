package inference

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"lungseg/pkg/tensor"
)

// CommandModel runs an external inference program once per fold.
//
// The command template is a program followed by its arguments; the placeholders
// {weights}, {input} and {output} are replaced with the current weight file, the
// encoded input tensor and the path the program must write its prediction tensor
// to (both in the format of tensor.Encode). The input tensor is written once and
// shared by every fold.
type CommandModel struct {
	command []string
	workDir string
	logger  *zap.Logger

	weights   string
	fold      int
	input     *tensor.Tensor
	inputPath string
}

// NewCommandModel creates a model around the command template. Intermediate
// tensors are written under workDir, which is created if needed.
func NewCommandModel(command []string, workDir string, logger *zap.Logger) (*CommandModel, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("inference command is empty")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inference work directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandModel{
		command: command,
		workDir: workDir,
		logger:  logger,
	}, nil
}

// Load selects the weight file used by the next Predict
func (m *CommandModel) Load(ctx context.Context, weights string) error {
	if _, err := os.Stat(weights); err != nil {
		return fmt.Errorf("weights not accessible: %w", err)
	}
	m.weights = weights
	m.fold++
	return nil
}

// Predict runs the command with the current weights
func (m *CommandModel) Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	if m.weights == "" {
		return nil, fmt.Errorf("no weights loaded")
	}

	if input != m.input {
		path := filepath.Join(m.workDir, "input.tensor")
		if err := tensor.Save(path, input); err != nil {
			return nil, fmt.Errorf("failed to write input tensor: %w", err)
		}
		m.input = input
		m.inputPath = path
	}

	outputPath := filepath.Join(m.workDir, fmt.Sprintf("fold-%d.tensor", m.fold))
	args := m.expand(outputPath)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	m.logger.Debug("running inference command", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("inference command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() > 0 {
		m.logger.Debug("inference command output", zap.String("stdout", strings.TrimSpace(stdout.String())))
	}

	return tensor.Load(outputPath)
}

// Close removes the intermediate tensors
func (m *CommandModel) Close() error {
	return os.RemoveAll(m.workDir)
}

func (m *CommandModel) expand(outputPath string) []string {
	r := strings.NewReplacer(
		"{weights}", m.weights,
		"{input}", m.inputPath,
		"{output}", outputPath,
	)
	args := make([]string, len(m.command))
	for i, a := range m.command {
		args[i] = r.Replace(a)
	}
	return args
}
