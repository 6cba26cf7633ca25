package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/gomlx/rlhf/distributed"
	"github.com/gomlx/rlhf/metrics"
	"github.com/gomlx/rlhf/pipelines"
	"github.com/gomlx/rlhf/refmodels"
	"github.com/gomlx/rlhf/replay"
	"github.com/gomlx/rlhf/rewards"
	"github.com/gomlx/rlhf/rollouts"
	"github.com/gomlx/rlhf/samplers"
	"github.com/gomlx/rlhf/sentencepiece"
)

var (
	flagVocabFile   = flag.String("vocab", "", "SentencePiece tokenizer model file. Empty uses a small builtin vocabulary.")
	flagModelVocab  = flag.Int("model_vocab", 0, "Vocabulary size of the toy model. Defaults to the builtin vocabulary's size; must cover the tokenizer's ids when --vocab is set.")
	flagNumRollouts = flag.Int("num_rollouts", 128, "Number of replay elements to collect.")
	flagChunkSize   = flag.Int("chunk_size", 8, "Prompts sampled per collection chunk.")
	flagMaxTokens   = flag.Int("max_tokens", 16, "Maximum number of tokens generated per rollout.")
	flagTemperature = flag.Float64("temperature", 0.7, "Sampling temperature. 0 means greedy decoding.")
	flagTopK        = flag.Int("top_k", 40, "Top-k sampling cutoff. 0 disables it.")
	flagSeed        = flag.Int64("seed", 42, "Sampling seed.")
	flagKLCoef      = flag.Float64("kl_coef", 0.05, "KL penalty coefficient.")
	flagClipReward  = flag.Float64("clip_reward", 2, "Symmetric bound on reward scores. 0 disables clipping.")
	flagScaleReward = flag.String("scale_reward", "", "Reward scaling: \"running\", \"ref\" or empty for none.")
	flagSnapshot    = flag.String("snapshot", "", "File to save the collected replay buffer to, in msgpack format.")
	flagMetricsPort = flag.Int("metrics_port", 0, "Port to serve Prometheus metrics on. 0 disables the endpoint.")
)

// BuildVocabulary from the --vocab flag. Panics in case of error.
func BuildVocabulary() samplers.Vocabulary {
	if *flagVocabFile == "" {
		return newToyVocab()
	}
	vocabPath := data.ReplaceTildeInDir(*flagVocabFile)
	return must.M1(sentencepiece.NewFromPath(vocabPath))
}

// BuildCollector wires the demo collector from flags. The extra sink receives
// the collection statistics alongside logging and Prometheus.
func BuildCollector(extraSink metrics.Sink) (*rollouts.Collector, *replay.Buffer) {
	vocab := BuildVocabulary()
	vocabSize := *flagModelVocab
	if vocabSize <= 0 {
		vocabSize = newToyVocab().Size()
	}
	policy := toyModel{vocabSize: vocabSize}
	ref := toyModel{vocabSize: vocabSize, shift: 0.2}

	sampler := samplers.New(vocab, policy, samplers.Config{
		MaxNewTokens: *flagMaxTokens,
		Temperature:  *flagTemperature,
		TopK:         *flagTopK,
		ForceEOS:     true,
		Seed:         *flagSeed,
	})
	pipeline := must.M1(pipelines.New(vocab, toyPrompts(), pipelines.Config{MaxPromptLength: 32}))
	iterator := must.M1(pipelines.NewIterator(pipeline, *flagChunkSize))

	// A Triton server from the environment takes precedence over the local
	// toy reference head.
	var scorer refmodels.Scorer = refmodels.Hydra{Forward: ref.Score}
	if os.Getenv(refmodels.EnvTritonHostRef) != "" {
		scorer = must.M1(refmodels.NewTritonFromEnv())
	}

	sink := metrics.Multi{metrics.Klog{V: 1}, extraSink}
	if *flagMetricsPort > 0 {
		sink = append(sink, metrics.NewPrometheus("rlhf", nil))
		go serveMetrics(*flagMetricsPort)
	}

	store := replay.NewBuffer(0)
	collector := &rollouts.Collector{
		Config: rollouts.Config{
			ScaleReward: rewards.ScaleMode(*flagScaleReward),
			ClipReward:  *flagClipReward,
		},
		Vocab:     vocab,
		Generator: sampler,
		Policy:    policy,
		Ref:       scorer,
		Reward:    toyReward,
		Prompts:   iterator,
		Comm:      distributed.Local{},
		Store:     store,
		Sink:      sink,
		KLCtl:     &rewards.FixedKL{Value: *flagKLCoef},
	}
	return collector, store
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		klog.Errorf("metrics endpoint failed: %+v", err)
	}
}
