package main

import (
	"context"
	"math"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"

	"github.com/gomlx/rlhf/samplers"
)

// toyWords is the builtin vocabulary the demo runs on when no tokenizer model
// is given.
var toyWords = strings.Fields(`
	the a an and or but if then so because while once
	quick slow bright dark small large old new good bad
	fox dog cat bird fish horse mouse bear wolf deer
	jumps runs sleeps eats drinks hunts hides climbs swims flies
	over under near far behind beside between within without around
	river forest mountain valley meadow desert island harbor village city`)

// toyVocab is a whitespace tokenizer over toyWords, with the special ids at
// the usual places: pad 0, bos 1, eos 2, unk 3.
type toyVocab struct {
	ids map[string]int
}

const toyVocabBase = 4

func newToyVocab() toyVocab {
	ids := make(map[string]int, len(toyWords))
	for i, word := range toyWords {
		ids[word] = toyVocabBase + i
	}
	return toyVocab{ids: ids}
}

func (v toyVocab) Size() int { return toyVocabBase + len(toyWords) }

func (v toyVocab) Encode(text string) []int {
	var out []int
	for _, field := range strings.Fields(text) {
		word, hasEOS := strings.CutSuffix(field, "<eos>")
		if word != "" {
			if id, ok := v.ids[word]; ok {
				out = append(out, id)
			} else {
				out = append(out, v.UnknownId())
			}
		}
		if hasEOS {
			out = append(out, v.EndOfSentenceId())
		}
	}
	return out
}

func (v toyVocab) Decode(ids []int) string {
	var parts []string
	for _, id := range ids {
		switch {
		case id == v.PadId():
		case id == v.EndOfSentenceId():
			if len(parts) > 0 {
				parts[len(parts)-1] += v.EndOfSentenceToken()
			} else {
				parts = append(parts, v.EndOfSentenceToken())
			}
		case id >= toyVocabBase && id < v.Size():
			parts = append(parts, toyWords[id-toyVocabBase])
		default:
			parts = append(parts, "<unk>")
		}
	}
	return strings.Join(parts, " ")
}

func (v toyVocab) EndOfSentenceToken() string { return "<eos>" }
func (v toyVocab) BeginningOfSentenceId() int { return 1 }
func (v toyVocab) EndOfSentenceId() int       { return 2 }
func (v toyVocab) UnknownId() int             { return 3 }
func (v toyVocab) PadId() int                 { return 0 }

// toyPrompts are the demo's collection prompts, built from toyWords.
func toyPrompts() []string {
	return []string{
		"the quick fox jumps over the river<eos>",
		"a small dog sleeps near the village<eos>",
		"the old wolf hunts within the forest<eos>",
		"a bright bird flies over the mountain<eos>",
		"the large bear swims between the islands and the harbor<eos>",
		"a slow horse runs around the meadow<eos>",
	}
}

// toyModel is a deterministic stand-in for a language model: the logit of
// token v after token u is a fixed smooth function of (u, v). shift gives the
// policy and the reference slightly different distributions, so the KL
// penalty is non-trivial.
type toyModel struct {
	vocabSize int
	shift     float64
}

func (m toyModel) logit(current int32, next int) float32 {
	x := float64(current)*0.37 + float64(next)*0.11 + m.shift
	return float32(2 * math.Sin(x))
}

// NextTokenLogits implements samplers.Policy.
func (m toyModel) NextTokenLogits(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error) {
	batchSize, width := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	logits := make([]float32, batchSize*m.vocabSize)
	tensors.ConstFlatData(tokens, func(flat []int32) {
		for b := 0; b < batchSize; b++ {
			last := flat[(b+1)*width-1]
			for v := 0; v < m.vocabSize; v++ {
				logits[b*m.vocabSize+v] = m.logit(last, v)
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(logits, batchSize, m.vocabSize), nil
}

// ForwardWithValues implements rollouts.PolicyModel.
func (m toyModel) ForwardWithValues(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
	logits, err := m.Score(ctx, tokens, mask)
	if err != nil {
		return nil, nil, err
	}
	batchSize, width := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	values := make([]float32, batchSize*width)
	tensors.ConstFlatData(tokens, func(flat []int32) {
		for i, id := range flat {
			values[i] = float32(math.Tanh(float64(id) / float64(m.vocabSize)))
		}
	})
	return logits, tensors.FromFlatDataAndDimensions(values, batchSize, width), nil
}

// Score implements refmodels.Forward, returning logits over every position.
func (m toyModel) Score(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error) {
	batchSize, width := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	logits := make([]float32, batchSize*width*m.vocabSize)
	tensors.ConstFlatData(tokens, func(flat []int32) {
		for i, id := range flat {
			for v := 0; v < m.vocabSize; v++ {
				logits[i*m.vocabSize+v] = m.logit(id, v)
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(logits, batchSize, width, m.vocabSize), nil
}

// toyReward favors varied outputs: one point per distinct word, half a point
// off per repetition.
func toyReward(ctx context.Context, prompts, outputs []string) ([]float64, error) {
	scores := make([]float64, len(outputs))
	for i, out := range outputs {
		words := strings.Fields(strings.TrimSuffix(out, "<eos>"))
		distinct := make(map[string]bool, len(words))
		for _, word := range words {
			distinct[word] = true
		}
		scores[i] = float64(len(distinct)) - 0.5*float64(len(words)-len(distinct))
	}
	return scores, nil
}

var _ samplers.Vocabulary = toyVocab{}
