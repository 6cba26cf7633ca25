package rollouts

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// logprobsOfLabels computes, for each sequence position, the log-probability
// the model assigned to the token that actually followed: position t of the
// result is logSoftmax(logits[b][t])[tokens[b][t+1]], so each row has one
// entry fewer than the sequence.
//
// logits is shaped float32[batch, seqLen, vocab], tokens int32[batch, seqLen].
func logprobsOfLabels(logits, tokens *tensors.Tensor) ([][]float64, error) {
	dims := logits.Shape().Dimensions
	if len(dims) != 3 {
		return nil, errors.Errorf("logits must be rank 3, got shape %s", logits.Shape())
	}
	batchSize, seqLen, vocabSize := dims[0], dims[1], dims[2]
	if tokens.Shape().Dim(0) != batchSize || tokens.Shape().Dim(1) != seqLen {
		return nil, errors.Errorf("tokens shaped %s do not match logits shaped %s",
			tokens.Shape(), logits.Shape())
	}

	ids := rowsI32(tokens)
	out := make([][]float64, batchSize)
	tensors.ConstFlatData(logits, func(flat []float32) {
		for b := 0; b < batchSize; b++ {
			out[b] = make([]float64, seqLen-1)
			for t := 0; t < seqLen-1; t++ {
				row := flat[(b*seqLen+t)*vocabSize : (b*seqLen+t+1)*vocabSize]
				out[b][t] = logSoftmaxAt(row, int(ids[b][t+1]))
			}
		}
	})
	return out, nil
}

// logSoftmaxAt returns log(softmax(logits))[label], computed stably.
func logSoftmaxAt(logits []float32, label int) float64 {
	max := float64(logits[0])
	for _, l := range logits[1:] {
		if float64(l) > max {
			max = float64(l)
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - max)
	}
	return float64(logits[label]) - max - math.Log(sum)
}

// klEstimate is the mean of exp(x)-1-x over every entry of the masked
// log-ratios, an always-positive estimator of the KL divergence between the
// policy and the reference model. Masked positions contribute zero to the sum
// but still count toward the mean.
func klEstimate(logRatios [][]float64) float64 {
	var sum float64
	var count int
	for _, row := range logRatios {
		for _, x := range row {
			sum += math.Expm1(x) - x
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// rowsF32 copies a float32[rows, cols] tensor into per-row slices.
func rowsF32(t *tensors.Tensor) [][]float32 {
	rows := t.Shape().Dim(0)
	out := make([][]float32, rows)
	tensors.ConstFlatData(t, func(flat []float32) {
		cols := len(flat) / rows
		for i := range out {
			out[i] = append([]float32(nil), flat[i*cols:(i+1)*cols]...)
		}
	})
	return out
}

// rowsI32 copies an int32[rows, cols] tensor into per-row slices.
func rowsI32(t *tensors.Tensor) [][]int32 {
	rows := t.Shape().Dim(0)
	out := make([][]int32, rows)
	tensors.ConstFlatData(t, func(flat []int32) {
		cols := len(flat) / rows
		for i := range out {
			out[i] = append([]int32(nil), flat[i*cols:(i+1)*cols]...)
		}
	})
	return out
}

// padRight widens an int32[rows, cols] tensor to the given width, filling new
// columns with pad. A tensor already at width is returned unchanged.
func padRight(t *tensors.Tensor, width int, pad int32) *tensors.Tensor {
	rows, cols := t.Shape().Dim(0), t.Shape().Dim(1)
	if cols >= width {
		return t
	}
	flat := make([]int32, rows*width)
	tensors.ConstFlatData(t, func(data []int32) {
		for i := 0; i < rows; i++ {
			offset := i * width
			copy(flat[offset:], data[i*cols:(i+1)*cols])
			for j := cols; j < width; j++ {
				flat[offset+j] = pad
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(flat, rows, width)
}

// concatColumns joins two int32[rows, *] tensors along the column axis.
func concatColumns(a, b *tensors.Tensor) *tensors.Tensor {
	rows := a.Shape().Dim(0)
	aCols, bCols := a.Shape().Dim(1), b.Shape().Dim(1)
	flat := make([]int32, rows*(aCols+bCols))
	tensors.ConstFlatData(a, func(data []int32) {
		for i := 0; i < rows; i++ {
			copy(flat[i*(aCols+bCols):], data[i*aCols:(i+1)*aCols])
		}
	})
	tensors.ConstFlatData(b, func(data []int32) {
		for i := 0; i < rows; i++ {
			copy(flat[i*(aCols+bCols)+aCols:], data[i*bCols:(i+1)*bCols])
		}
	})
	return tensors.FromFlatDataAndDimensions(flat, rows, aCols+bCols)
}

// maskOf builds the attention mask of a token tensor: 1 where the token is
// not pad.
func maskOf(tokens *tensors.Tensor, pad int32) *tensors.Tensor {
	rows, cols := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	flat := make([]int32, rows*cols)
	tensors.ConstFlatData(tokens, func(data []int32) {
		for i, id := range data {
			if id != pad {
				flat[i] = 1
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(flat, rows, cols)
}
