// Package refmodels provides access to the frozen reference model whose
// logits anchor the KL penalty during experience collection.
package refmodels

import (
	"context"

	"github.com/gomlx/gomlx/types/tensors"
)

// Scorer computes reference-model logits for a batch of sequences.
//
// tokens is shaped int32[batchSize, seqLen] with mask int32[batchSize, seqLen]
// marking real tokens with 1. The returned logits are shaped
// float32[batchSize, seqLen, vocabSize].
type Scorer interface {
	Score(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error)
}

// Forward computes logits for a batch of sequences.
type Forward func(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error)

// Hydra is a reference scorer backed by a frozen head sharing the policy's
// trunk, evaluated in the same process as the policy.
type Hydra struct {
	Forward Forward
}

func (h Hydra) Score(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error) {
	return h.Forward(ctx, tokens, mask)
}
