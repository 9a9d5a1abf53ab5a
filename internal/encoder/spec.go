// Package encoder turns images and text into L2-normalized embedding
// vectors through a pluggable inference scorer. It owns the model
// registry, artifact downloads, preprocessing, and the scorer lifecycle.
package encoder

import (
	"fmt"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
)

// ArtifactFile is one downloadable model file.
type ArtifactFile struct {
	// Name is the file name inside the model's cache directory.
	Name string
	// URL is the download source.
	URL string
	// SizeHint is the expected size in bytes, used both for progress
	// totals and to detect a complete prior download. Zero disables the
	// completeness check.
	SizeHint int64
}

// ModelSpec describes one supported encoder variant. The set of variants
// is a closed table; callers select by name and never construct specs.
type ModelSpec struct {
	// Name is the registry key, also persisted as the model version on
	// stored fingerprints.
	Name string
	// Dim is the embedding dimensionality.
	Dim int
	// ImageSize is the square input edge in pixels.
	ImageSize int
	// Mean and Std are per-channel normalization constants in RGB order.
	Mean [3]float32
	Std  [3]float32
	// MaxTokens is the text sequence length after pad/truncate.
	MaxTokens int
	// Artifacts lists the files the scorer needs on disk.
	Artifacts []ArtifactFile
}

const mirrorBase = "https://hf-mirror.com"

var registry = map[string]ModelSpec{
	"clip-vit-b-32": {
		Name:      "clip-vit-b-32",
		Dim:       512,
		ImageSize: 224,
		Mean:      [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:       [3]float32{0.26862954, 0.26130258, 0.27577711},
		MaxTokens: 77,
		Artifacts: []ArtifactFile{
			{Name: "visual.onnx", URL: mirrorBase + "/openai/clip-vit-base-patch32/resolve/main/onnx/vision_model.onnx", SizeHint: 351_468_768},
			{Name: "textual.onnx", URL: mirrorBase + "/openai/clip-vit-base-patch32/resolve/main/onnx/text_model.onnx", SizeHint: 254_074_032},
			{Name: "tokenizer.json", URL: mirrorBase + "/openai/clip-vit-base-patch32/resolve/main/tokenizer.json", SizeHint: 2_224_003},
		},
	},
	"clip-vit-l-14": {
		Name:      "clip-vit-l-14",
		Dim:       768,
		ImageSize: 224,
		Mean:      [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:       [3]float32{0.26862954, 0.26130258, 0.27577711},
		MaxTokens: 77,
		Artifacts: []ArtifactFile{
			{Name: "visual.onnx", URL: mirrorBase + "/openai/clip-vit-large-patch14/resolve/main/onnx/vision_model.onnx", SizeHint: 1_216_391_168},
			{Name: "textual.onnx", URL: mirrorBase + "/openai/clip-vit-large-patch14/resolve/main/onnx/text_model.onnx", SizeHint: 494_632_722},
			{Name: "tokenizer.json", URL: mirrorBase + "/openai/clip-vit-large-patch14/resolve/main/tokenizer.json", SizeHint: 2_224_003},
		},
	},
	"siglip2-so400m": {
		Name:      "siglip2-so400m",
		Dim:       1152,
		ImageSize: 384,
		Mean:      [3]float32{0.5, 0.5, 0.5},
		Std:       [3]float32{0.5, 0.5, 0.5},
		MaxTokens: 64,
		Artifacts: []ArtifactFile{
			{Name: "visual.onnx", URL: mirrorBase + "/google/siglip2-so400m-patch14-384/resolve/main/onnx/vision_model.onnx", SizeHint: 1_712_538_112},
			{Name: "textual.onnx", URL: mirrorBase + "/google/siglip2-so400m-patch14-384/resolve/main/onnx/text_model.onnx", SizeHint: 449_817_600},
			{Name: "tokenizer.json", URL: mirrorBase + "/google/siglip2-so400m-patch14-384/resolve/main/tokenizer.json", SizeHint: 2_467_771},
		},
	},
}

// DefaultModel is loaded when no variant is configured.
const DefaultModel = "clip-vit-b-32"

// LookupModel resolves a variant name against the closed registry.
func LookupModel(name string) (ModelSpec, error) {
	if name == "" {
		name = DefaultModel
	}
	spec, ok := registry[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: unknown model %q", domain.ErrInvalid, name)
	}
	return spec, nil
}

// Models lists the supported variant names in stable order.
func Models() []string {
	return []string{"clip-vit-b-32", "clip-vit-l-14", "siglip2-so400m"}
}
