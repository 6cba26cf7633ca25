// Package samplers generates token continuations for batches of prompts, using
// a pluggable next-token policy model.
package samplers

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

type Vocabulary interface {
	Encode(text string) []int
	Decode([]int) string

	// EndOfSentenceToken is the text form of the "eos" token, used to mark
	// the end of a decoded sequence.
	EndOfSentenceToken() string

	// The methods below define the special ids for the model.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
	UnknownId() int
	PadId() int
}

// Policy produces next-token logits for a batch of partial sequences.
//
// tokens is shaped int32[batchSize, seqLen] and mask int32[batchSize, seqLen]
// with 1 marking real tokens and 0 padding. The returned logits are shaped
// float32[batchSize, vocabSize].
type Policy interface {
	NextTokenLogits(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error)
}

// Config holds the decoding parameters of a Sampler.
type Config struct {
	// MaxNewTokens is the number of tokens generated past the prompt.
	MaxNewTokens int

	// Temperature scales the logits before sampling. Zero or negative means
	// greedy decoding.
	Temperature float64

	// TopK restricts sampling to the k most likely tokens. Zero or negative
	// disables the restriction.
	TopK int

	// ForceEOS replaces the last generated token of any still-running
	// sequence with "eos", so every sequence terminates.
	ForceEOS bool

	// Seed initializes the sampling RNG.
	Seed int64
}

// Sampler has a next-token policy and a vocabulary configured and generates
// sequence continuations from batches of prompts.
type Sampler struct {
	Vocab  Vocabulary
	Policy Policy
	Config Config

	rng *rand.Rand
}

// New creates a sampler with the registered vocabulary and policy.
//
// It panics (with exceptions) if the vocabulary defines "eos" but no "pad",
// since finished sequences are padded while the rest of the batch runs.
func New(vocab Vocabulary, policy Policy, config Config) *Sampler {
	if vocab.EndOfSentenceId() >= 0 && vocab.PadId() < 0 {
		exceptions.Panicf("samplers.New: vocabulary defines eos (id %d) but no pad id", vocab.EndOfSentenceId())
	}
	return &Sampler{
		Vocab:  vocab,
		Policy: policy,
		Config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate extends each prompt with up to Config.MaxNewTokens sampled tokens.
//
// prompts is shaped int32[batchSize, promptLen], padded with the vocabulary's
// pad id. The result holds the prompts followed by their continuations, with
// sequences that hit "eos" padded up to the common width. If every sequence
// finishes early, the result is narrower than promptLen+MaxNewTokens.
func (s *Sampler) Generate(ctx context.Context, prompts *tensors.Tensor) (*tensors.Tensor, error) {
	batchSize := prompts.Shape().Dim(0)
	pad := int32(s.Vocab.PadId())
	eos := int32(s.Vocab.EndOfSentenceId())

	rows := make([][]int32, batchSize)
	tensors.ConstFlatData(prompts, func(flat []int32) {
		width := len(flat) / batchSize
		for i := range rows {
			rows[i] = append([]int32(nil), flat[i*width:(i+1)*width]...)
		}
	})

	finished := make([]bool, batchSize)
	for step := 0; step < s.Config.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tokens, mask := rowsToTensors(rows, pad)
		logits, err := s.Policy.NextTokenLogits(ctx, tokens, mask)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling step %d", step)
		}
		if logits.Shape().Dim(0) != batchSize {
			return nil, errors.Errorf("policy returned logits for %d sequences, want %d",
				logits.Shape().Dim(0), batchSize)
		}
		vocabSize := logits.Shape().Dim(1)

		lastStep := step == s.Config.MaxNewTokens-1
		tensors.ConstFlatData(logits, func(flat []float32) {
			for i := range rows {
				if finished[i] {
					rows[i] = append(rows[i], pad)
					continue
				}
				next := s.sampleToken(flat[i*vocabSize : (i+1)*vocabSize])
				if lastStep && s.Config.ForceEOS {
					next = eos
				}
				rows[i] = append(rows[i], next)
				if next == eos {
					finished[i] = true
				}
			}
		})

		if allOf(finished) {
			break
		}
	}

	tokens, _ := rowsToTensors(rows, pad)
	return tokens, nil
}

// sampleToken draws one token id from a row of logits according to the
// configured temperature and top-k.
func (s *Sampler) sampleToken(logits []float32) int32 {
	if s.Config.Temperature <= 0 {
		return int32(argmax(logits))
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = float64(l) / s.Config.Temperature
	}
	if k := s.Config.TopK; k > 0 && k < len(scaled) {
		threshold := kthLargest(scaled, k)
		for i, l := range scaled {
			if l < threshold {
				scaled[i] = math.Inf(-1)
			}
		}
	}

	// Stable softmax, then one multinomial draw.
	max := scaled[argmax64(scaled)]
	var total float64
	probs := make([]float64, len(scaled))
	for i, l := range scaled {
		probs[i] = math.Exp(l - max)
		total += probs[i]
	}
	target := s.rng.Float64() * total
	var cum float64
	for i, p := range probs {
		cum += p
		if target < cum {
			return int32(i)
		}
	}
	return int32(len(probs) - 1)
}

// rowsToTensors packs equal-length rows into a tokens tensor and its attention
// mask (1 where the token is not pad).
func rowsToTensors(rows [][]int32, pad int32) (tokens, mask *tensors.Tensor) {
	batchSize, width := len(rows), len(rows[0])
	flatTokens := make([]int32, 0, batchSize*width)
	flatMask := make([]int32, 0, batchSize*width)
	for _, row := range rows {
		flatTokens = append(flatTokens, row...)
		for _, id := range row {
			if id == pad {
				flatMask = append(flatMask, 0)
			} else {
				flatMask = append(flatMask, 1)
			}
		}
	}
	tokens = tensors.FromFlatDataAndDimensions(flatTokens, batchSize, width)
	mask = tensors.FromFlatDataAndDimensions(flatMask, batchSize, width)
	return
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func argmax64(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func kthLargest(xs []float64, k int) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[k-1]
}

func allOf(bs []bool) bool {
	for _, b := range bs {
		if !b {
			return false
		}
	}
	return true
}
