package encoder

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

// State is the engine lifecycle phase.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// Scorer runs inference for one loaded model. Implementations wrap the
// actual runtime; the engine only cares about the tensor contract.
type Scorer interface {
	// EncodeImages embeds a batch of preprocessed images.
	EncodeImages(ctx context.Context, tensors []*ImageTensor) ([][]float32, error)
	// EncodeTexts embeds a batch of token id sequences.
	EncodeTexts(ctx context.Context, tokens [][]int64) ([][]float32, error)
	// Close releases runtime resources.
	Close() error
}

// ScorerFactory constructs a scorer for a model whose artifacts live in
// modelDir.
type ScorerFactory func(spec ModelSpec, modelDir string, useGPU bool) (Scorer, error)

// Status is a snapshot of the engine for introspection endpoints.
type Status struct {
	State  string `json:"state"`
	Model  string `json:"model,omitempty"`
	Dim    int    `json:"dim,omitempty"`
	UseGPU bool   `json:"use_gpu"`
}

// Small batches cost less run serially than through the batched path.
const serialBatchLimit = 4

// Engine owns the scorer lifecycle. Reads (encode calls) share the lock;
// load, unload, and model switches take it exclusively, so a switch
// waits for in-flight encodes and encodes never observe a half-loaded
// scorer.
type Engine struct {
	downloader *Downloader
	factory    ScorerFactory
	log        *logger.Logger

	mu        sync.RWMutex
	state     State
	spec      ModelSpec
	useGPU    bool
	scorer    Scorer
	tokenizer *Tokenizer
}

// NewEngine creates an unloaded engine.
func NewEngine(downloader *Downloader, factory ScorerFactory, log *logger.Logger) *Engine {
	return &Engine{
		downloader: downloader,
		factory:    factory,
		log:        log.WithField(logger.FieldComponent, "encoder"),
		state:      StateUnloaded,
	}
}

// Status reports the current lifecycle snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{State: e.state.String(), UseGPU: e.useGPU}
	if e.state == StateLoaded {
		st.Model = e.spec.Name
		st.Dim = e.spec.Dim
	}
	return st
}

// ModelVersion returns the loaded variant name, or empty when unloaded.
func (e *Engine) ModelVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateLoaded {
		return ""
	}
	return e.spec.Name
}

// Load brings the named variant up, downloading artifacts as needed.
// Loading the already-loaded variant with the same GPU setting is a
// no-op; anything else unloads the current scorer first.
func (e *Engine) Load(ctx context.Context, modelName string, useGPU bool, obs DownloadObserver) error {
	spec, err := LookupModel(modelName)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == StateLoaded && e.spec.Name == spec.Name && e.useGPU == useGPU {
		e.mu.Unlock()
		return nil
	}
	if e.state == StateLoading {
		e.mu.Unlock()
		return fmt.Errorf("%w: model load already in progress", domain.ErrUnavailable)
	}
	if e.scorer != nil {
		if closeErr := e.scorer.Close(); closeErr != nil {
			e.log.WithError(closeErr).Warn("closing previous scorer failed")
		}
		e.scorer = nil
		e.tokenizer = nil
	}
	e.state = StateLoading
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.state = StateUnloaded
		e.mu.Unlock()
		return err
	}

	if err := e.downloader.EnsureModel(ctx, spec, obs); err != nil {
		return fail(err)
	}

	tokenizerPath := ""
	for _, a := range spec.Artifacts {
		if a.Name == "tokenizer.json" {
			tokenizerPath = e.downloader.ArtifactPath(spec, a)
		}
	}
	tokenizer, err := LoadTokenizer(tokenizerPath, spec)
	if err != nil {
		return fail(err)
	}

	scorer, err := e.factory(spec, e.downloader.ModelDir(spec), useGPU)
	if err != nil {
		return fail(fmt.Errorf("load scorer for %s: %w", spec.Name, err))
	}

	e.mu.Lock()
	e.state = StateLoaded
	e.spec = spec
	e.useGPU = useGPU
	e.scorer = scorer
	e.tokenizer = tokenizer
	e.mu.Unlock()

	e.log.WithFields(logger.Fields{
		logger.FieldModel: spec.Name,
		"dim":             spec.Dim,
		"gpu":             useGPU,
	}).Info("encoder model loaded")
	return nil
}

// Unload releases the scorer. Safe when already unloaded.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scorer != nil {
		if err := e.scorer.Close(); err != nil {
			return err
		}
	}
	e.scorer = nil
	e.tokenizer = nil
	e.state = StateUnloaded
	return nil
}

// Spec returns the loaded model spec.
func (e *Engine) Spec() (ModelSpec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateLoaded {
		return ModelSpec{}, fmt.Errorf("%w: no model loaded", domain.ErrUnavailable)
	}
	return e.spec, nil
}

// EncodeImage embeds one preprocessed image.
func (e *Engine) EncodeImage(ctx context.Context, tensor *ImageTensor) ([]float32, error) {
	out, err := e.EncodeImages(ctx, []*ImageTensor{tensor})
	if err != nil {
		return nil, err
	}
	if out[0] == nil {
		return nil, fmt.Errorf("%w: image could not be encoded", domain.ErrInvalid)
	}
	return out[0], nil
}

// EncodeImages embeds a batch. Small batches take the serial path, one
// scorer call per image. Larger batches go through a single batched
// call; if that fails, each image is retried individually. An image
// that still fails on its own yields a nil entry at its position so one
// bad input cannot sink the whole batch; the error is non-nil only when
// no image encoded at all.
func (e *Engine) EncodeImages(ctx context.Context, tensors []*ImageTensor) ([][]float32, error) {
	if len(tensors) == 0 {
		return nil, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateLoaded {
		return nil, fmt.Errorf("%w: no model loaded", domain.ErrUnavailable)
	}

	if len(tensors) <= serialBatchLimit {
		return e.encodeSerial(ctx, tensors)
	}

	vecs, err := e.scorer.EncodeImages(ctx, tensors)
	if err == nil {
		out := make([][]float32, len(vecs))
		for i, v := range vecs {
			out[i] = l2Normalize(v)
		}
		return out, nil
	}
	e.log.WithError(err).WithField(logger.FieldCount, len(tensors)).
		Warn("batched image encode failed, retrying per item")

	return e.encodeSerial(ctx, tensors)
}

// encodeSerial runs one scorer call per image, collecting failures as
// nil entries. Caller holds the read lock.
func (e *Engine) encodeSerial(ctx context.Context, tensors []*ImageTensor) ([][]float32, error) {
	out := make([][]float32, len(tensors))
	encoded := 0
	var lastErr error
	for i, t := range tensors {
		vecs, err := e.scorer.EncodeImages(ctx, []*ImageTensor{t})
		if err != nil {
			lastErr = err
			e.log.WithError(err).Warn("image encode failed, skipping item")
			continue
		}
		out[i] = l2Normalize(vecs[0])
		encoded++
	}
	if encoded == 0 {
		return nil, lastErr
	}
	return out, nil
}

// EncodeText embeds a text query.
func (e *Engine) EncodeText(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != StateLoaded {
		return nil, fmt.Errorf("%w: no model loaded", domain.ErrUnavailable)
	}

	ids, err := e.tokenizer.Encode(text)
	if err != nil {
		return nil, err
	}
	vecs, err := e.scorer.EncodeTexts(ctx, [][]int64{ids})
	if err != nil {
		return nil, err
	}
	return l2Normalize(vecs[0]), nil
}

// l2Normalize scales a vector to unit length. A zero vector is returned
// unchanged.
func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
