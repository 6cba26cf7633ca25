package rollouts

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/rlhf/distributed"
	"github.com/gomlx/rlhf/metrics"
	"github.com/gomlx/rlhf/pipelines"
	"github.com/gomlx/rlhf/replay"
	"github.com/gomlx/rlhf/rewards"
)

// fixedGenerator ignores the prompts and returns pre-built samples.
type fixedGenerator struct {
	samples *tensors.Tensor
}

func (g fixedGenerator) Generate(ctx context.Context, prompts *tensors.Tensor) (*tensors.Tensor, error) {
	return g.samples, nil
}

// constModel returns uniform logits and values[b][t] = t. Using it as both
// policy and reference makes the KL penalty exactly zero.
type constModel struct {
	vocabSize int
}

func (m constModel) ForwardWithValues(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, *tensors.Tensor, error) {
	logits, err := m.Score(ctx, tokens, mask)
	if err != nil {
		return nil, nil, err
	}
	batchSize, seqLen := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	values := tensors.FromScalarAndDimensions(float32(0), batchSize, seqLen)
	tensors.MutableFlatData(values, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i % seqLen)
		}
	})
	return logits, values, nil
}

func (m constModel) Score(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error) {
	batchSize, seqLen := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	return tensors.FromScalarAndDimensions(float32(0), batchSize, seqLen, m.vocabSize), nil
}

// fixedPrompts serves the same batch forever.
type fixedPrompts struct {
	batch pipelines.PromptBatch
}

func (p fixedPrompts) Next() pipelines.PromptBatch { return p.batch }

type captureSink struct {
	stats map[string]float64
	step  int
}

func (c *captureSink) Record(stats map[string]float64, step int) {
	c.stats = stats
	c.step = step
}

func promptBatchOf(tokens *tensors.Tensor) pipelines.PromptBatch {
	batchSize, width := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	lengths := make([]int, batchSize)
	for i := range lengths {
		lengths[i] = width
	}
	return pipelines.PromptBatch{
		Tokens:  tokens,
		Mask:    maskOf(tokens, 0),
		Lengths: lengths,
	}
}

func TestMakeExperienceEndToEnd(t *testing.T) {
	prompts := tensors.FromValue([][]int32{{4, 5}, {5, 6}, {6, 7}, {7, 8}})
	samples := tensors.FromValue([][]int32{
		{4, 5, 10, 11, 2},
		{5, 6, 12, 13, 2},
		{6, 7, 14, 15, 2},
		{7, 8, 16, 17, 2},
	})
	model := constModel{vocabSize: 32}
	store := replay.NewBuffer(0)
	sink := &captureSink{}

	c := &Collector{
		Config:    Config{ClipReward: 2},
		Vocab:     numberVocab{},
		Generator: fixedGenerator{samples},
		Policy:    model,
		Ref:       model,
		Reward: func(ctx context.Context, prompts, outputs []string) ([]float64, error) {
			require.Equal(t, []string{"4 5", "5 6", "6 7", "7 8"}, prompts)
			require.Equal(t, []string{"10 11<eos>", "12 13<eos>", "14 15<eos>", "16 17<eos>"}, outputs)
			return []float64{1, -2, 0.5, 3}, nil
		},
		Prompts: fixedPrompts{promptBatchOf(prompts)},
		Comm:    distributed.Local{},
		Store:   store,
		Sink:    sink,
		KLCtl:   &rewards.FixedKL{Value: 0.05},
	}
	require.NoError(t, c.MakeExperience(context.Background(), 4, 7))

	require.Equal(t, 4, store.Len())
	elements, err := store.Take(4)
	require.NoError(t, err)

	wantScores := []float32{1, -2, 0.5, 2} // Last one clipped to +2.
	for i, el := range elements {
		require.Equal(t, []int32{int32(4 + i), int32(5 + i)}, el.Query)
		require.Equal(t, []int32{int32(10 + 2*i), int32(11 + 2*i), 2}, el.Response)

		// Every per-token slice covers the response including its eos.
		require.Len(t, el.LogProbs, 3)
		require.Len(t, el.Values, 3)
		require.Len(t, el.Rewards, 3)

		// Identical policy and reference: the KL penalty vanishes and the
		// reward is only the clipped score at the last response token.
		require.InDelta(t, 0, el.Rewards[0], 1e-6)
		require.InDelta(t, 0, el.Rewards[1], 1e-6)
		require.InDelta(t, wantScores[i], el.Rewards[2], 1e-6)

		// Uniform logits over 32 tokens.
		for _, lp := range el.LogProbs {
			require.InDelta(t, math.Log(1.0/32), lp, 1e-5)
		}
		require.Equal(t, []float32{1, 2, 3}, el.Values)
	}

	require.Equal(t, 7, sink.step)
	require.InDelta(t, 0.625, sink.stats["exp_scores/mean"], 1e-9)
	require.InDelta(t, 0, sink.stats["policy/sqrt_kl"], 1e-9)
	require.InDelta(t, 0.05, sink.stats["kl_ctl_value"], 1e-12)
	require.Contains(t, sink.stats, "time/exp")
	require.Contains(t, sink.stats, "time/exp_generate")
	require.Contains(t, sink.stats, "time/exp_score")
	require.Contains(t, sink.stats, "exp_scores/running_mean")
	require.Contains(t, sink.stats, "exp_scores/running_std")
}

func TestMakeExperienceAccumulatesChunks(t *testing.T) {
	prompts := tensors.FromValue([][]int32{{4, 5}})
	samples := tensors.FromValue([][]int32{{4, 5, 10, 2}})
	model := constModel{vocabSize: 16}
	store := replay.NewBuffer(0)

	c := &Collector{
		Vocab:     numberVocab{},
		Generator: fixedGenerator{samples},
		Policy:    model,
		Ref:       model,
		Reward: func(ctx context.Context, prompts, outputs []string) ([]float64, error) {
			return make([]float64, len(outputs)), nil
		},
		Prompts: fixedPrompts{promptBatchOf(prompts)},
		Comm:    distributed.Local{},
		Store:   store,
		Sink:    metrics.Discard{},
		KLCtl:   &rewards.FixedKL{},
	}

	var progress []int
	c.Progress = func(done, total int) {
		require.Equal(t, 3, total)
		progress = append(progress, done)
	}

	// One element per chunk: three chunks to reach the target.
	require.NoError(t, c.MakeExperience(context.Background(), 3, 0))
	require.Equal(t, 3, store.Len())
	require.Equal(t, []int{1, 2, 3}, progress)
}

// scaleCollector builds a two-rollout collector whose reward function serves
// the given score batches in order. The policy and reference are identical, so
// the last per-token reward is exactly the scaled score.
func scaleCollector(t *testing.T, config Config, scoreBatches [][]float64) *Collector {
	prompts := tensors.FromValue([][]int32{{4, 5}, {5, 6}})
	samples := tensors.FromValue([][]int32{
		{4, 5, 10, 2},
		{5, 6, 12, 2},
	})
	model := constModel{vocabSize: 16}
	call := 0
	return &Collector{
		Config:    config,
		Vocab:     numberVocab{},
		Generator: fixedGenerator{samples},
		Policy:    model,
		Ref:       model,
		Reward: func(ctx context.Context, prompts, outputs []string) ([]float64, error) {
			require.Less(t, call, len(scoreBatches))
			scores := scoreBatches[call]
			call++
			return scores, nil
		},
		Prompts: fixedPrompts{promptBatchOf(prompts)},
		Comm:    distributed.Local{},
		Store:   replay.NewBuffer(0),
		Sink:    metrics.Discard{},
		KLCtl:   &rewards.FixedKL{},
	}
}

func lastRewards(t *testing.T, store *replay.Buffer, n int) []float64 {
	elements, err := store.Take(n)
	require.NoError(t, err)
	out := make([]float64, n)
	for i, el := range elements {
		out[i] = float64(el.Rewards[len(el.Rewards)-1])
	}
	return out
}

func TestMakeExperienceScaleRefPinsFirstBatchStd(t *testing.T) {
	c := scaleCollector(t, Config{ScaleReward: rewards.ScaleRef},
		[][]float64{{1, 3}, {2, 6}})

	// With RefStd zero the divisor is adopted from the first batch: the
	// Bessel-corrected std of {1, 3} is sqrt(2).
	require.NoError(t, c.MakeExperience(context.Background(), 2, 0))
	require.InDelta(t, math.Sqrt2, c.refStd, 1e-9)
	got := lastRewards(t, c.Store, 2)
	require.InDelta(t, 1/math.Sqrt2, got[0], 1e-5)
	require.InDelta(t, 3/math.Sqrt2, got[1], 1e-5)

	// The second batch {2, 6} has std sqrt(8), but the pinned divisor from
	// the first batch still applies.
	require.NoError(t, c.MakeExperience(context.Background(), 2, 1))
	got = lastRewards(t, c.Store, 2)
	require.InDelta(t, math.Sqrt2, got[0], 1e-5)
	require.InDelta(t, 3*math.Sqrt2, got[1], 1e-5)
}

func TestMakeExperienceScaleRefExplicitStd(t *testing.T) {
	c := scaleCollector(t, Config{ScaleReward: rewards.ScaleRef, RefStd: 2},
		[][]float64{{1, 3}})
	require.NoError(t, c.MakeExperience(context.Background(), 2, 0))
	got := lastRewards(t, c.Store, 2)
	require.InDelta(t, 0.5, got[0], 1e-5)
	require.InDelta(t, 1.5, got[1], 1e-5)
}

func TestMakeExperienceScaleRunning(t *testing.T) {
	c := scaleCollector(t, Config{ScaleReward: rewards.ScaleRunning},
		[][]float64{{1, 3}})

	// The first update dominates the near-zero initial count, so the running
	// std lands at sqrt(2) as well.
	require.NoError(t, c.MakeExperience(context.Background(), 2, 0))
	got := lastRewards(t, c.Store, 2)
	require.InDelta(t, 1/math.Sqrt2, got[0], 1e-5)
	require.InDelta(t, 3/math.Sqrt2, got[1], 1e-5)
}

func TestMakeExperienceSeq2SeqUnsupported(t *testing.T) {
	c := &Collector{Config: Config{Arch: ArchSeq2Seq}}
	require.Panics(t, func() {
		_ = c.MakeExperience(context.Background(), 1, 0)
	})
}

func TestMakeExperienceTwoWorkers(t *testing.T) {
	workers := distributed.NewGroup(2).Workers()
	model := constModel{vocabSize: 64}

	// The reward is the first output token's value, so each worker can check
	// it received its own scores back from the scatter.
	reward := func(ctx context.Context, prompts, outputs []string) ([]float64, error) {
		scores := make([]float64, len(outputs))
		for i, out := range outputs {
			head, _, _ := strings.Cut(out, " ")
			head = strings.TrimSuffix(head, "<eos>")
			n, err := strconv.Atoi(head)
			if err != nil {
				return nil, err
			}
			scores[i] = float64(n)
		}
		return scores, nil
	}

	stores := []*replay.Buffer{replay.NewBuffer(0), replay.NewBuffer(0)}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			prompts := tensors.FromValue([][]int32{{int32(40 + rank), 5}})
			// Worker 1 generates a shorter sequence, exercising the
			// cross-worker width alignment.
			var samples *tensors.Tensor
			if rank == 0 {
				samples = tensors.FromValue([][]int32{{40, 5, 20, 21, 2}})
			} else {
				samples = tensors.FromValue([][]int32{{41, 5, 30, 2}})
			}
			c := &Collector{
				Vocab:     numberVocab{},
				Generator: fixedGenerator{samples},
				Policy:    model,
				Ref:       model,
				Reward:    reward,
				Prompts:   fixedPrompts{promptBatchOf(prompts)},
				Comm:      workers[rank],
				Store:     stores[rank],
				Sink:      metrics.Discard{},
				KLCtl:     &rewards.FixedKL{},
			}
			errs[rank] = c.MakeExperience(context.Background(), 1, 0)
		}(rank)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	el0, err := stores[0].Take(1)
	require.NoError(t, err)
	require.Equal(t, []int32{20, 21, 2}, el0[0].Response)
	require.InDelta(t, 20, el0[0].Rewards[len(el0[0].Rewards)-1], 1e-5)

	el1, err := stores[1].Take(1)
	require.NoError(t, err)
	require.Equal(t, []int32{30, 2}, el1[0].Response)
	require.InDelta(t, 30, el1[0].Rewards[len(el1[0].Rewards)-1], 1e-5)
}
