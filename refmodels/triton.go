package refmodels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// EnvTritonHostRef names the environment variable holding the reference
// model's location, in the form "<endpoint>/<model>", for example
// "localhost:8000/ref-llama-13b".
const EnvTritonHostRef = "TRITON_HOST_REF"

// DefaultMicroBatchSize is how many sequences are sent per inference request.
// Large gathered batches are split so the server never sees more rows than
// its instance group was sized for.
const DefaultMicroBatchSize = 8

// Triton scores sequences on a remote Triton inference server speaking the
// KServe v2 HTTP protocol. Requests are not retried: a failed micro-batch
// fails the whole Score call.
type Triton struct {
	// Endpoint is the server base URL, e.g. "http://localhost:8000".
	Endpoint string
	// Model is the model name registered on the server.
	Model string
	// MicroBatchSize caps the rows per inference request.
	MicroBatchSize int
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// NewTritonFromEnv builds a Triton scorer from the TRITON_HOST_REF
// environment variable. It fails if the variable is unset.
func NewTritonFromEnv() (*Triton, error) {
	hostRef := os.Getenv(EnvTritonHostRef)
	if hostRef == "" {
		return nil, errors.Errorf("environment variable %s is not set, expected \"<endpoint>/<model>\"", EnvTritonHostRef)
	}
	return NewTriton(hostRef)
}

// NewTriton builds a scorer from a "<endpoint>/<model>" locator. The endpoint
// defaults to http when no scheme is given.
func NewTriton(hostRef string) (*Triton, error) {
	scheme := "http://"
	rest := hostRef
	if i := strings.Index(hostRef, "://"); i >= 0 {
		scheme = hostRef[:i+3]
		rest = hostRef[i+3:]
	}
	host, model, found := strings.Cut(rest, "/")
	if !found || host == "" || model == "" {
		return nil, errors.Errorf("malformed reference model locator %q, expected \"<endpoint>/<model>\"", hostRef)
	}
	return &Triton{
		Endpoint:       scheme + host,
		Model:          model,
		MicroBatchSize: DefaultMicroBatchSize,
		Client:         http.DefaultClient,
	}, nil
}

// KServe v2 inference protocol payloads.
type inferTensor struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int   `json:"shape"`
	Data     []int32 `json:"data"`
}

type inferRequest struct {
	Inputs []inferTensor `json:"inputs"`
}

type inferOutput struct {
	Name     string    `json:"name"`
	Datatype string    `json:"datatype"`
	Shape    []int     `json:"shape"`
	Data     []float32 `json:"data"`
}

type inferResponse struct {
	Outputs []inferOutput `json:"outputs"`
}

// Score sends tokens and mask to the server in micro-batches and concatenates
// the returned logits in the original row order.
func (t *Triton) Score(ctx context.Context, tokens, mask *tensors.Tensor) (*tensors.Tensor, error) {
	batchSize := tokens.Shape().Dim(0)
	width := tokens.Shape().Dim(1)
	if mask.Shape().Dim(0) != batchSize || mask.Shape().Dim(1) != width {
		return nil, errors.Errorf("tokens shaped %s but mask shaped %s", tokens.Shape(), mask.Shape())
	}
	microBatch := t.MicroBatchSize
	if microBatch <= 0 {
		microBatch = DefaultMicroBatchSize
	}

	var flatTokens, flatMask []int32
	tensors.ConstFlatData(tokens, func(flat []int32) {
		flatTokens = append(flatTokens, flat...)
	})
	tensors.ConstFlatData(mask, func(flat []int32) {
		flatMask = append(flatMask, flat...)
	})

	var logits []float32
	var innerDims []int
	for start := 0; start < batchSize; start += microBatch {
		end := start + microBatch
		if end > batchSize {
			end = batchSize
		}
		rows := end - start
		chunk, err := t.infer(ctx, inferRequest{
			Inputs: []inferTensor{
				{Name: "input_ids", Datatype: "INT32", Shape: []int{rows, width},
					Data: flatTokens[start*width : end*width]},
				{Name: "attention_mask", Datatype: "INT32", Shape: []int{rows, width},
					Data: flatMask[start*width : end*width]},
			},
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "scoring rows %d to %d of %d", start, end, batchSize)
		}
		if chunk.Shape[0] != rows {
			return nil, errors.Errorf("server returned logits for %d rows, sent %d", chunk.Shape[0], rows)
		}
		if innerDims == nil {
			innerDims = chunk.Shape[1:]
		}
		logits = append(logits, chunk.Data...)
	}

	dims := append([]int{batchSize}, innerDims...)
	return tensors.FromFlatDataAndDimensions(logits, dims...), nil
}

// infer performs one KServe v2 inference request and returns the "logits"
// output tensor.
func (t *Triton) infer(ctx context.Context, request inferRequest) (*inferOutput, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode inference request")
	}
	url := fmt.Sprintf("%s/v2/models/%s/infer", t.Endpoint, t.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %q", url)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "inference request to %q failed", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("inference request to %q returned status %d: %s",
			url, resp.StatusCode, strings.TrimSpace(string(message)))
	}

	var parsed inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode inference response")
	}
	for i := range parsed.Outputs {
		if parsed.Outputs[i].Name == "logits" {
			return &parsed.Outputs[i], nil
		}
	}
	return nil, errors.Errorf("inference response from %q has no \"logits\" output", url)
}
