package encoder

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageTensor is one preprocessed image in NCHW layout with N=1, laid
// out channel-first: all R values, then G, then B.
type ImageTensor struct {
	Data []float32
	Size int
}

// PreprocessFile decodes and preprocesses the image at path for the
// given model variant.
func PreprocessFile(path string, spec ModelSpec) (*ImageTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return Preprocess(img, spec), nil
}

// Preprocess resizes the image to the model's exact square input,
// normalizes each channel, and packs the result channel-first.
func Preprocess(img image.Image, spec ModelSpec) *ImageTensor {
	size := spec.ImageSize
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, 3*plane)
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := scaled.RGBAAt(x, y)
			data[i] = (float32(c.R)/255.0 - spec.Mean[0]) / spec.Std[0]
			data[plane+i] = (float32(c.G)/255.0 - spec.Mean[1]) / spec.Std[1]
			data[2*plane+i] = (float32(c.B)/255.0 - spec.Mean[2]) / spec.Std[2]
			i++
		}
	}
	return &ImageTensor{Data: data, Size: size}
}

// Tokenizer maps text onto fixed-length token id sequences using a
// vocabulary lookup. Out-of-vocabulary words fall back to the unk id.
type Tokenizer struct {
	vocab     map[string]int64
	bosID     int64
	eosID     int64
	padID     int64
	unkID     int64
	maxTokens int
}

// tokenizerFile is the subset of the vocab JSON the tokenizer reads.
type tokenizerFile struct {
	Vocab map[string]int64 `json:"vocab"`
	Model struct {
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
	BosID *int64 `json:"bos_token_id"`
	EosID *int64 `json:"eos_token_id"`
	PadID *int64 `json:"pad_token_id"`
	UnkID *int64 `json:"unk_token_id"`
}

// LoadTokenizer reads a vocabulary file and builds a tokenizer bounded
// to the model's sequence length.
func LoadTokenizer(path string, spec ModelSpec) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer %s: %w", path, err)
	}
	var tf tokenizerFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("%w: tokenizer %s: %v", domain.ErrCorrupt, path, err)
	}

	vocab := tf.Vocab
	if len(vocab) == 0 {
		vocab = tf.Model.Vocab
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%w: tokenizer %s has no vocabulary", domain.ErrCorrupt, path)
	}

	t := &Tokenizer{vocab: vocab, maxTokens: spec.MaxTokens}
	t.bosID = resolveSpecial(tf.BosID, vocab, "<|startoftext|>", 49406)
	t.eosID = resolveSpecial(tf.EosID, vocab, "<|endoftext|>", 49407)
	t.unkID = resolveSpecial(tf.UnkID, vocab, "<|endoftext|>", t.eosID)
	if tf.PadID != nil {
		t.padID = *tf.PadID
	}
	return t, nil
}

func resolveSpecial(explicit *int64, vocab map[string]int64, token string, fallback int64) int64 {
	if explicit != nil {
		return *explicit
	}
	if id, ok := vocab[token]; ok {
		return id
	}
	return fallback
}

// Encode lowercases and splits the text, maps words through the
// vocabulary, wraps the sequence in BOS/EOS, and pads or truncates to
// the model length. Empty text is an error.
func (t *Tokenizer) Encode(text string) ([]int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty query text", domain.ErrInvalid)
	}

	words := strings.Fields(strings.ToLower(trimmed))
	ids := make([]int64, 0, t.maxTokens)
	ids = append(ids, t.bosID)
	for _, w := range words {
		if len(ids) >= t.maxTokens-1 {
			break
		}
		// Vocabularies mark word-final tokens with the </w> suffix.
		if id, ok := t.vocab[w+"</w>"]; ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := t.vocab[w]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.unkID)
	}
	ids = append(ids, t.eosID)
	for len(ids) < t.maxTokens {
		ids = append(ids, t.padID)
	}
	return ids, nil
}

// MaxTokens reports the fixed output length.
func (t *Tokenizer) MaxTokens() int {
	return t.maxTokens
}
