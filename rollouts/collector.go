// Package rollouts collects PPO experience: it samples continuations from the
// policy, scores them with a reward function on the main worker, and turns the
// results into per-token replay elements carrying a KL penalty against a
// frozen reference model.
package rollouts

import (
	"context"
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/rlhf/distributed"
	"github.com/gomlx/rlhf/metrics"
	"github.com/gomlx/rlhf/pipelines"
	"github.com/gomlx/rlhf/refmodels"
	"github.com/gomlx/rlhf/replay"
	"github.com/gomlx/rlhf/rewards"
	"github.com/gomlx/rlhf/samplers"
)

// Generator samples continuations for a batch of prompts. *samplers.Sampler
// implements it.
type Generator interface {
	Generate(ctx context.Context, prompts *tensors.Tensor) (*tensors.Tensor, error)
}

// PolicyModel runs the trained policy forward over full sequences, returning
// next-token logits shaped float32[batch, seqLen, vocab] and value-head
// estimates shaped float32[batch, seqLen].
type PolicyModel interface {
	ForwardWithValues(ctx context.Context, tokens, mask *tensors.Tensor) (logits, values *tensors.Tensor, err error)
}

// RewardFunc scores decoded rollouts, one score per prompt/output pair. It
// only runs on the main worker.
type RewardFunc func(ctx context.Context, prompts, outputs []string) ([]float64, error)

// PromptSource yields the next batch of tokenized prompts.
// *pipelines.Iterator implements it.
type PromptSource interface {
	Next() pipelines.PromptBatch
}

// Arch names the model architecture experience is collected for.
type Arch string

const (
	ArchCausal  Arch = "causal"
	ArchSeq2Seq Arch = "seq2seq"
)

// Config holds the reward-shaping knobs of a Collector.
type Config struct {
	// Arch is the policy's architecture. Empty means causal; seq2seq
	// collection is not implemented.
	Arch Arch

	// StopSequences cut generated text at their first occurrence.
	StopSequences []string

	// ScaleReward selects how scores are normalized before clipping.
	ScaleReward rewards.ScaleMode

	// RefStd is the reference standard deviation used when ScaleReward is
	// ScaleRef. Zero adopts the first collected batch's standard deviation.
	RefStd float64

	// ClipReward bounds scores to [-ClipReward, ClipReward] when positive.
	ClipReward float64
}

// Collector assembles PPO experience from its configured parts. All fields
// except Progress must be set before calling MakeExperience.
type Collector struct {
	Config    Config
	Vocab     samplers.Vocabulary
	Generator Generator
	Policy    PolicyModel
	Ref       refmodels.Scorer
	Reward    RewardFunc
	Prompts   PromptSource
	Comm      distributed.Communicator
	Store     *replay.Buffer
	Sink      metrics.Sink
	KLCtl     rewards.KLController

	// Progress, if set, is called after each chunk with the number of
	// elements collected so far and the target.
	Progress func(done, total int)

	moments *rewards.RunningMoments
	refStd  float64
}

// MakeExperience collects at least numRollouts replay elements on this worker
// and pushes them to the store. iterCount tags the recorded statistics.
//
// Every worker of the communicator must call MakeExperience with the same
// numRollouts: the workers rendezvous in collectives on every chunk.
func (c *Collector) MakeExperience(ctx context.Context, numRollouts, iterCount int) error {
	if c.Config.Arch == ArchSeq2Seq {
		exceptions.Panicf("experience collection for seq2seq models is not implemented")
	}
	if c.moments == nil {
		c.moments = rewards.NewRunningMoments()
	}
	klCoef := c.KLCtl.KL()
	pad := int32(c.Vocab.PadId())

	startTime := time.Now()
	var generateTime, scoreTime time.Duration
	var elements []replay.Element
	var meanKL, scoresMean, scoresStd float64

	for len(elements) < numRollouts {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := c.Prompts.Next()
		promptWidth := batch.Width()

		genStart := time.Now()
		samples, err := c.Generator.Generate(ctx, batch.Tokens)
		if err != nil {
			return errors.WithMessage(err, "generating rollouts")
		}
		generateTime += time.Since(genStart)

		// Workers may generate different widths; align before gathering.
		maxWidth, err := c.Comm.AllReduceMaxInt(ctx, samples.Shape().Dim(1))
		if err != nil {
			return err
		}
		allSamples, err := c.Comm.AllGather(ctx, padRight(samples, maxWidth, pad))
		if err != nil {
			return err
		}
		meta, err := c.Comm.AllGatherInts(ctx, []int{batch.Size(), promptWidth})
		if err != nil {
			return err
		}

		scoreStart := time.Now()
		var shards [][]float64
		if c.Comm.IsMain() {
			shards, err = c.scoreAll(ctx, allSamples, meta)
			if err != nil {
				return errors.WithMessage(err, "scoring rollouts")
			}
		}
		scores, err := c.Comm.ScatterFloats(ctx, shards)
		if err != nil {
			return err
		}
		scoreTime += time.Since(scoreStart)

		scoresMean, scoresStd = c.moments.Update(scores)
		if c.refStd == 0 {
			// The reference std is pinned once, from config or the first batch.
			c.refStd = c.Config.RefStd
			if c.refStd == 0 {
				c.refStd = scoresStd
			}
		}
		switch c.Config.ScaleReward {
		case rewards.ScaleRunning:
			rewards.Scale(scores, c.moments.Std)
		case rewards.ScaleRef:
			rewards.Scale(scores, c.refStd)
		}
		if c.Config.ClipReward > 0 {
			rewards.Clip(scores, c.Config.ClipReward)
		}

		chunk, chunkKL, err := c.buildElements(ctx, rowsI32(samples), promptWidth, scores, klCoef)
		if err != nil {
			return err
		}
		meanKL = chunkKL
		elements = append(elements, chunk...)
		klog.V(1).Infof("collected %d/%d rollout elements", len(elements), numRollouts)
		if c.Progress != nil {
			c.Progress(min(len(elements), numRollouts), numRollouts)
		}
	}

	meanKL, err := c.Comm.AllReduceMean(ctx, meanKL)
	if err != nil {
		return err
	}
	c.Store.Push(elements)

	// The time/exp stat spans the whole call, covering every chunk collected
	// to reach numRollouts.
	if c.Comm.IsMain() && c.Sink != nil {
		c.Sink.Record(map[string]float64{
			"time/exp_generate":       generateTime.Seconds(),
			"time/exp_score":          scoreTime.Seconds(),
			"time/exp":                time.Since(startTime).Seconds(),
			"exp_scores/mean":         scoresMean,
			"exp_scores/std":          scoresStd,
			"exp_scores/running_mean": c.moments.Mean,
			"exp_scores/running_std":  c.moments.Std,
			"policy/sqrt_kl":          math.Sqrt(math.Max(meanKL, 0)),
			"kl_ctl_value":            klCoef,
		}, iterCount)
	}
	return nil
}

// scoreAll decodes every gathered rollout, applies the reward function and
// splits the scores back into per-worker shards. Main worker only.
func (c *Collector) scoreAll(ctx context.Context, allSamples *tensors.Tensor, meta [][]int) ([][]float64, error) {
	rows := rowsI32(allSamples)
	prompts := make([]string, 0, len(rows))
	outputs := make([]string, 0, len(rows))
	row := 0
	for _, m := range meta {
		count, width := m[0], m[1]
		for i := 0; i < count; i++ {
			prompts = append(prompts, c.decodePrompt(rows[row], width))
			outputs = append(outputs, c.decodeOutput(rows[row], width))
			row++
		}
	}
	if row != len(rows) {
		return nil, errors.Errorf("gathered %d rollout rows but workers reported %d", len(rows), row)
	}

	scores, err := c.Reward(ctx, prompts, outputs)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(rows) {
		return nil, errors.Errorf("reward function returned %d scores for %d rollouts", len(scores), len(rows))
	}

	shards := make([][]float64, len(meta))
	offset := 0
	for w, m := range meta {
		shards[w] = scores[offset : offset+m[0]]
		offset += m[0]
	}
	return shards, nil
}

// buildElements runs the policy and reference forwards over this worker's
// rollouts and converts them into replay elements. The per-token reward is the
// KL penalty, with the (scaled and clipped) score added at the last response
// token. It returns the chunk's mean KL estimate alongside the elements.
func (c *Collector) buildElements(ctx context.Context, sampleRows [][]int32, promptWidth int,
	scores []float64, klCoef float64) ([]replay.Element, float64, error) {
	batchSize := len(sampleRows)
	pad := int32(c.Vocab.PadId())

	// Re-tokenize the trimmed output texts, right-padded to a common width,
	// so trajectories reflect the text the reward function saw.
	outputIDs := make([][]int32, batchSize)
	maxOut := 0
	for i, row := range sampleRows {
		ids := c.Vocab.Encode(c.decodeOutput(row, promptWidth))
		outputIDs[i] = make([]int32, len(ids))
		for j, id := range ids {
			outputIDs[i][j] = int32(id)
		}
		if len(ids) > maxOut {
			maxOut = len(ids)
		}
	}

	flatPrompts := make([]int32, batchSize*promptWidth)
	flatOutputs := make([]int32, batchSize*maxOut)
	for i, row := range sampleRows {
		copy(flatPrompts[i*promptWidth:], row[:promptWidth])
		offset := i * maxOut
		copy(flatOutputs[offset:], outputIDs[i])
		for j := len(outputIDs[i]); j < maxOut; j++ {
			flatOutputs[offset+j] = pad
		}
	}
	prompts := tensors.FromFlatDataAndDimensions(flatPrompts, batchSize, promptWidth)
	outputs := tensors.FromFlatDataAndDimensions(flatOutputs, batchSize, maxOut)
	tokens := concatColumns(prompts, outputs)
	mask := maskOf(tokens, pad)

	policyLogits, values, err := c.Policy.ForwardWithValues(ctx, tokens, mask)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "policy forward")
	}
	refLogits, err := c.Ref.Score(ctx, tokens, mask)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "reference forward")
	}

	logprobs, err := logprobsOfLabels(policyLogits, tokens)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "policy logits")
	}
	refLogprobs, err := logprobsOfLabels(refLogits, tokens)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "reference logits")
	}

	// Log-ratios are masked where the *current* token is padding, matching
	// the one-step shift of the logprobs.
	maskRows := rowsI32(mask)
	logRatios := make([][]float64, batchSize)
	for i := range logRatios {
		logRatios[i] = make([]float64, len(logprobs[i]))
		for t := range logRatios[i] {
			logRatios[i][t] = (logprobs[i][t] - refLogprobs[i][t]) * float64(maskRows[i][t])
		}
	}
	chunkKL := klEstimate(logRatios)

	valuesRows := rowsF32(values)
	elements := make([]replay.Element, 0, batchSize)
	for i, row := range sampleRows {
		respLen := len(outputIDs[i])
		start := promptWidth - 1
		end := start + respLen

		rewardsRow := make([]float32, respLen)
		logprobsRow := make([]float32, respLen)
		for t := 0; t < respLen; t++ {
			rewardsRow[t] = float32(-klCoef * logRatios[i][start+t])
			logprobsRow[t] = float32(logprobs[i][start+t])
		}
		rewardsRow[respLen-1] += float32(scores[i])

		elements = append(elements, replay.Element{
			Query:    stripPad(row[:promptWidth], pad),
			Response: outputIDs[i],
			LogProbs: logprobsRow,
			Values:   append([]float32(nil), valuesRows[i][start:end]...),
			Rewards:  rewardsRow,
		})
	}
	return elements, chunkKL, nil
}
