package encoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	ort "github.com/yalue/onnxruntime_go"
)

// Graph I/O names used by the exported model artifacts.
const (
	visualInputName  = "pixel_values"
	visualOutputName = "image_embeds"
	textInputName    = "input_ids"
	textOutputName   = "text_embeds"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime brings up the ONNX Runtime environment once per process.
// The shared library location can be overridden with AURORA_ORT_LIBRARY
// when it is not on the default search path.
func initRuntime() error {
	ortInitOnce.Do(func() {
		if path := os.Getenv("AURORA_ORT_LIBRARY"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXScorer runs the visual and textual model graphs through ONNX
// Runtime. It satisfies Scorer and is the production backend behind the
// engine; tests substitute fakes through the same factory seam.
type ONNXScorer struct {
	spec    ModelSpec
	visual  *ort.DynamicAdvancedSession
	textual *ort.DynamicAdvancedSession
}

// NewONNXScorer is a ScorerFactory. It opens sessions over the
// downloaded visual.onnx and textual.onnx artifacts in modelDir.
func NewONNXScorer(spec ModelSpec, modelDir string, useGPU bool) (Scorer, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("%w: onnx runtime init: %v", domain.ErrUnavailable, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx session options: %w", err)
	}
	defer opts.Destroy()

	if useGPU {
		cudaOpts, cudaErr := ort.NewCUDAProviderOptions()
		if cudaErr != nil {
			return nil, fmt.Errorf("%w: cuda provider: %v", domain.ErrUnavailable, cudaErr)
		}
		appendErr := opts.AppendExecutionProviderCUDA(cudaOpts)
		cudaOpts.Destroy()
		if appendErr != nil {
			return nil, fmt.Errorf("%w: cuda provider: %v", domain.ErrUnavailable, appendErr)
		}
	}

	visual, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "visual.onnx"),
		[]string{visualInputName}, []string{visualOutputName}, opts,
	)
	if err != nil {
		return nil, fmt.Errorf("open visual model: %w", err)
	}

	textual, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "textual.onnx"),
		[]string{textInputName}, []string{textOutputName}, opts,
	)
	if err != nil {
		visual.Destroy()
		return nil, fmt.Errorf("open textual model: %w", err)
	}

	return &ONNXScorer{spec: spec, visual: visual, textual: textual}, nil
}

// EncodeImages embeds a batch of preprocessed images in one session run.
func (s *ONNXScorer) EncodeImages(ctx context.Context, tensors []*ImageTensor) ([][]float32, error) {
	if len(tensors) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := s.spec.ImageSize
	plane := 3 * size * size
	data := make([]float32, 0, len(tensors)*plane)
	for i, t := range tensors {
		if t == nil || len(t.Data) != plane {
			return nil, fmt.Errorf("%w: tensor %d has wrong shape", domain.ErrInvalid, i)
		}
		data = append(data, t.Data...)
	}

	shape := ort.NewShape(int64(len(tensors)), 3, int64(size), int64(size))
	input, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("image input tensor: %w", err)
	}
	defer input.Destroy()

	return s.run(s.visual, input, len(tensors))
}

// EncodeTexts embeds tokenized text. Every row must already be padded
// to the model's token window.
func (s *ONNXScorer) EncodeTexts(ctx context.Context, tokens [][]int64) ([][]float32, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width := s.spec.MaxTokens
	data := make([]int64, 0, len(tokens)*width)
	for i, row := range tokens {
		if len(row) != width {
			return nil, fmt.Errorf("%w: token row %d has length %d, want %d", domain.ErrInvalid, i, len(row), width)
		}
		data = append(data, row...)
	}

	shape := ort.NewShape(int64(len(tokens)), int64(width))
	input, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("text input tensor: %w", err)
	}
	defer input.Destroy()

	return s.run(s.textual, input, len(tokens))
}

// run executes one session and splits the flat output into rows.
func (s *ONNXScorer) run(session *ort.DynamicAdvancedSession, input ort.Value, rows int) ([][]float32, error) {
	outputs := []ort.Value{nil}
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("model run: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("%w: model produced a non-float32 output", domain.ErrCorrupt)
	}
	defer out.Destroy()

	flat := out.GetData()
	if len(flat) != rows*s.spec.Dim {
		return nil, fmt.Errorf("%w: model output has %d values, want %d", domain.ErrCorrupt, len(flat), rows*s.spec.Dim)
	}

	result := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, s.spec.Dim)
		copy(row, flat[i*s.spec.Dim:(i+1)*s.spec.Dim])
		result[i] = row
	}
	return result, nil
}

// Close releases both sessions.
func (s *ONNXScorer) Close() error {
	var first error
	if s.visual != nil {
		if err := s.visual.Destroy(); err != nil {
			first = err
		}
		s.visual = nil
	}
	if s.textual != nil {
		if err := s.textual.Destroy(); err != nil && first == nil {
			first = err
		}
		s.textual = nil
	}
	return first
}
