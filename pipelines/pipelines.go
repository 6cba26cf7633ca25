// Package pipelines prepares tokenized prompt batches for experience
// collection.
package pipelines

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/gomlx/rlhf/samplers"
)

// TruncationSide selects which end of an over-long prompt is dropped.
type TruncationSide string

const (
	TruncateLeft  TruncationSide = "left"
	TruncateRight TruncationSide = "right"
)

// minPromptLength is the smallest usable prompt budget: anything shorter
// leaves no room for an actual instruction.
const minPromptLength = 16

// Config holds the tokenization parameters of a PromptPipeline.
type Config struct {
	// MaxPromptLength is the token budget per prompt; longer prompts are
	// truncated. Must be at least 16.
	MaxPromptLength int

	// TruncationSide selects the end truncation drops. Defaults to left,
	// keeping the most recent turns of a dialogue.
	TruncationSide TruncationSide
}

// PromptBatch is a batch of tokenized prompts, left-padded to a common width.
type PromptBatch struct {
	// Tokens is shaped int32[batchSize, width].
	Tokens *tensors.Tensor
	// Mask is shaped int32[batchSize, width], 1 where Tokens is not pad.
	Mask *tensors.Tensor
	// Lengths holds the unpadded token count of each prompt.
	Lengths []int
}

// Size returns the number of prompts in the batch.
func (b PromptBatch) Size() int { return len(b.Lengths) }

// Width returns the padded token width of the batch.
func (b PromptBatch) Width() int { return b.Tokens.Shape().Dim(1) }

// PromptPipeline tokenizes and truncates a fixed set of prompts and serves
// them as left-padded batches.
type PromptPipeline struct {
	vocab  samplers.Vocabulary
	config Config
	rows   [][]int32

	warnedMissingEOS bool
}

// New tokenizes prompts with vocab. Prompts longer than
// config.MaxPromptLength tokens are truncated on config.TruncationSide.
func New(vocab samplers.Vocabulary, prompts []string, config Config) (*PromptPipeline, error) {
	if config.MaxPromptLength < minPromptLength {
		return nil, errors.Errorf("prompt pipeline requires MaxPromptLength >= %d, got %d",
			minPromptLength, config.MaxPromptLength)
	}
	if config.TruncationSide == "" {
		config.TruncationSide = TruncateLeft
	}

	p := &PromptPipeline{vocab: vocab, config: config}
	eosID := vocab.EndOfSentenceId()
	for _, prompt := range prompts {
		ids := vocab.Encode(prompt)
		if len(ids) > config.MaxPromptLength {
			switch config.TruncationSide {
			case TruncateLeft:
				ids = ids[len(ids)-config.MaxPromptLength:]
			case TruncateRight:
				ids = ids[:config.MaxPromptLength]
			default:
				return nil, errors.Errorf("unknown truncation side %q", config.TruncationSide)
			}
		}
		// Checked after truncation: a prompt may lose a trailing eos to
		// the token budget.
		if !p.warnedMissingEOS && !slices.Contains(ids, eosID) {
			klog.Warningf("prompt has no eos token (id %d) after truncation to %d tokens, the policy may not see a turn boundary",
				eosID, config.MaxPromptLength)
			p.warnedMissingEOS = true
		}
		row := make([]int32, len(ids))
		for i, id := range ids {
			row[i] = int32(id)
		}
		p.rows = append(p.rows, row)
	}
	return p, nil
}

// Len returns the number of prompts in the pipeline.
func (p *PromptPipeline) Len() int { return len(p.rows) }

// Batch assembles the prompts at the given indices into a left-padded batch.
func (p *PromptPipeline) Batch(indices []int) PromptBatch {
	batchSize := len(indices)
	lengths := make([]int, batchSize)
	for i, idx := range indices {
		lengths[i] = len(p.rows[idx])
	}
	width := slices.Max(lengths)

	pad := int32(p.vocab.PadId())
	tokens := tensors.FromScalarAndDimensions(pad, batchSize, width)
	mask := tensors.FromScalarAndDimensions(int32(0), batchSize, width)
	tensors.MutableFlatData(tokens, func(flatTokens []int32) {
		tensors.MutableFlatData(mask, func(flatMask []int32) {
			for i, idx := range indices {
				row := p.rows[idx]
				offset := i*width + (width - len(row))
				copy(flatTokens[offset:], row)
				for j := range row {
					flatMask[offset+j] = 1
				}
			}
		})
	})
	return PromptBatch{Tokens: tokens, Mask: mask, Lengths: lengths}
}

// Iterator serves fixed-size prompt batches, wrapping around when the
// pipeline is exhausted.
type Iterator struct {
	pipeline  *PromptPipeline
	batchSize int
	next      int
}

// NewIterator creates an iterator over p yielding batches of batchSize.
func NewIterator(p *PromptPipeline, batchSize int) (*Iterator, error) {
	if p.Len() == 0 {
		return nil, errors.New("prompt pipeline is empty")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &Iterator{pipeline: p, batchSize: batchSize}, nil
}

// Next returns the next prompt batch, wrapping to the start of the pipeline
// when it runs out of prompts.
func (it *Iterator) Next() PromptBatch {
	indices := make([]int, it.batchSize)
	for i := range indices {
		indices[i] = it.next
		it.next = (it.next + 1) % it.pipeline.Len()
	}
	return it.pipeline.Batch(indices)
}
