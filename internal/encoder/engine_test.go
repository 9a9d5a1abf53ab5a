package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

// fakeScorer returns deterministic vectors and records call shapes.
type fakeScorer struct {
	dim         int
	imageCalls  [][]int // lengths of each EncodeImages call
	failBatched bool
	failOn      *ImageTensor // any call containing this tensor fails
	closed      bool
}

func (f *fakeScorer) EncodeImages(_ context.Context, tensors []*ImageTensor) ([][]float32, error) {
	f.imageCalls = append(f.imageCalls, []int{len(tensors)})
	if f.failBatched && len(tensors) > 1 {
		return nil, errors.New("batched inference failed")
	}
	for _, t := range tensors {
		if f.failOn != nil && t == f.failOn {
			return nil, errors.New("corrupt tensor")
		}
	}
	out := make([][]float32, len(tensors))
	for i := range tensors {
		v := make([]float32, f.dim)
		v[0] = 3
		v[1] = 4
		out[i] = v
	}
	return out, nil
}

func (f *fakeScorer) EncodeTexts(_ context.Context, tokens [][]int64) ([][]float32, error) {
	out := make([][]float32, len(tokens))
	for i := range tokens {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeScorer) Close() error {
	f.closed = true
	return nil
}

// writeFakeModel lays down artifact files so loading skips downloads.
func writeFakeModel(t *testing.T, dir string, spec ModelSpec) {
	t.Helper()
	modelDir := filepath.Join(dir, spec.Name)
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		t.Fatal(err)
	}
	vocab := map[string]interface{}{
		"vocab": map[string]int64{
			"<|startoftext|>": 49406,
			"<|endoftext|>":   49407,
			"red</w>":         1000,
			"car</w>":         1001,
		},
	}
	raw, _ := json.Marshal(vocab)
	for _, a := range spec.Artifacts {
		content := []byte("stub")
		if a.Name == "tokenizer.json" {
			content = raw
		}
		if err := os.WriteFile(filepath.Join(modelDir, a.Name), content, 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestEngine(t *testing.T, scorer *fakeScorer) *Engine {
	t.Helper()
	dir := t.TempDir()

	spec, err := LookupModel(DefaultModel)
	if err != nil {
		t.Fatal(err)
	}
	// Size hints would reject the stub files.
	for i := range spec.Artifacts {
		spec.Artifacts[i].SizeHint = 0
	}
	writeFakeModel(t, dir, spec)

	log := logger.New(nil)
	dl := NewDownloader(dir, 3, log)
	factory := func(s ModelSpec, modelDir string, useGPU bool) (Scorer, error) {
		scorer.dim = s.Dim
		return scorer, nil
	}
	e := NewEngine(dl, factory, log)

	// Load resolves the registry entry, whose real size hints would
	// reject the stub artifacts; load directly with the zeroed copy.
	if err := e.loadForTest(context.Background(), spec, false); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

// loadForTest mirrors Load but with a caller-supplied spec.
func (e *Engine) loadForTest(ctx context.Context, spec ModelSpec, useGPU bool) error {
	if err := e.downloader.EnsureModel(ctx, spec, nil); err != nil {
		return err
	}
	var tokenizerPath string
	for _, a := range spec.Artifacts {
		if a.Name == "tokenizer.json" {
			tokenizerPath = e.downloader.ArtifactPath(spec, a)
		}
	}
	tok, err := LoadTokenizer(tokenizerPath, spec)
	if err != nil {
		return err
	}
	scorer, err := e.factory(spec, e.downloader.ModelDir(spec), useGPU)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state = StateLoaded
	e.spec = spec
	e.useGPU = useGPU
	e.scorer = scorer
	e.tokenizer = tok
	e.mu.Unlock()
	return nil
}

func testTensor(spec ModelSpec) *ImageTensor {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{100, 150, 200, 255})
		}
	}
	return Preprocess(img, spec)
}

func TestEncodeUnloadedFails(t *testing.T) {
	log := logger.New(nil)
	e := NewEngine(NewDownloader(t.TempDir(), 3, log), nil, log)

	_, err := e.EncodeText(context.Background(), "anything")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if e.Status().State != "unloaded" {
		t.Errorf("expected unloaded state, got %s", e.Status().State)
	}
}

func TestEncodeImagesSerialForSmallBatches(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	tensors := []*ImageTensor{testTensor(spec), testTensor(spec), testTensor(spec)}
	vecs, err := e.EncodeImages(context.Background(), tensors)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for _, call := range scorer.imageCalls {
		if call[0] != 1 {
			t.Errorf("small batches must encode one image per call, saw batch of %d", call[0])
		}
	}
}

func TestEncodeImagesBatchedForLargeBatches(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	tensors := make([]*ImageTensor, 6)
	for i := range tensors {
		tensors[i] = testTensor(spec)
	}
	if _, err := e.EncodeImages(context.Background(), tensors); err != nil {
		t.Fatal(err)
	}
	if len(scorer.imageCalls) != 1 || scorer.imageCalls[0][0] != 6 {
		t.Errorf("expected one batched call of 6, saw %v", scorer.imageCalls)
	}
}

func TestEncodeImagesFallsBackPerItem(t *testing.T) {
	scorer := &fakeScorer{failBatched: true}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	tensors := make([]*ImageTensor, 5)
	for i := range tensors {
		tensors[i] = testTensor(spec)
	}
	vecs, err := e.EncodeImages(context.Background(), tensors)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 5 {
		t.Fatalf("expected 5 vectors after fallback, got %d", len(vecs))
	}
	// One failed batched call, then five singles.
	if len(scorer.imageCalls) != 6 {
		t.Errorf("expected 6 scorer calls, saw %d", len(scorer.imageCalls))
	}
}

func TestEncodeImagesSkipsBadItem(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	tensors := make([]*ImageTensor, 6)
	for i := range tensors {
		tensors[i] = testTensor(spec)
	}
	scorer.failOn = tensors[2]

	vecs, err := e.EncodeImages(context.Background(), tensors)
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(vecs))
	}
	for i, v := range vecs {
		if i == 2 {
			if v != nil {
				t.Error("the bad image must yield a nil entry")
			}
			continue
		}
		if v == nil {
			t.Errorf("image %d should have encoded despite the bad one", i)
		}
	}
}

func TestEncodeImagesAllFailedReturnsError(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	bad := testTensor(spec)
	scorer.failOn = bad

	if _, err := e.EncodeImages(context.Background(), []*ImageTensor{bad, bad, bad}); err == nil {
		t.Fatal("a batch with no encodable image must fail")
	}
	if _, err := e.EncodeImage(context.Background(), bad); err == nil {
		t.Fatal("a single bad image must fail")
	}
}

func TestOutputsAreUnitLength(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)
	spec, _ := e.Spec()

	vec, err := e.EncodeImage(context.Background(), testTensor(spec))
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(sum))
	}
}

func TestUnloadClosesScorer(t *testing.T) {
	scorer := &fakeScorer{}
	e := newTestEngine(t, scorer)

	if err := e.Unload(); err != nil {
		t.Fatal(err)
	}
	if !scorer.closed {
		t.Error("unload must close the scorer")
	}
	if _, err := e.Spec(); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after unload, got %v", err)
	}
}

func TestLookupModelClosedRegistry(t *testing.T) {
	for _, name := range Models() {
		if _, err := LookupModel(name); err != nil {
			t.Errorf("registry model %s should resolve: %v", name, err)
		}
	}
	if _, err := LookupModel("resnet-50"); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("unknown model should be ErrInvalid, got %v", err)
	}
	spec, err := LookupModel("")
	if err != nil || spec.Name != DefaultModel {
		t.Errorf("empty name should resolve the default model")
	}
}

func TestTokenizerEncode(t *testing.T) {
	dir := t.TempDir()
	spec, _ := LookupModel(DefaultModel)
	for i := range spec.Artifacts {
		spec.Artifacts[i].SizeHint = 0
	}
	writeFakeModel(t, dir, spec)

	tok, err := LoadTokenizer(filepath.Join(dir, spec.Name, "tokenizer.json"), spec)
	if err != nil {
		t.Fatal(err)
	}

	ids, err := tok.Encode("Red CAR")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != spec.MaxTokens {
		t.Fatalf("expected %d tokens, got %d", spec.MaxTokens, len(ids))
	}
	if ids[0] != 49406 {
		t.Errorf("expected BOS first, got %d", ids[0])
	}
	if ids[1] != 1000 || ids[2] != 1001 {
		t.Errorf("expected lowercased vocabulary hits, got %d, %d", ids[1], ids[2])
	}
	if ids[3] != 49407 {
		t.Errorf("expected EOS after words, got %d", ids[3])
	}

	if _, err := tok.Encode("   "); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("empty text should be ErrInvalid, got %v", err)
	}
}

func TestPreprocessTensorShape(t *testing.T) {
	spec, _ := LookupModel(DefaultModel)
	tensor := testTensor(spec)

	want := 3 * spec.ImageSize * spec.ImageSize
	if len(tensor.Data) != want {
		t.Fatalf("expected %d floats, got %d", want, len(tensor.Data))
	}

	// A uniform image must produce uniform planes, and the channel
	// planes must differ because the source channels differ.
	plane := spec.ImageSize * spec.ImageSize
	if tensor.Data[0] != tensor.Data[plane-1] {
		t.Error("R plane not uniform for a uniform image")
	}
	if tensor.Data[0] == tensor.Data[plane] {
		t.Error("R and G planes should differ for this image")
	}
}
