package distributed

import (
	"context"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Group coordinates collectives among worldSize in-process workers, one
// goroutine per rank. It stands in for a multi-process communications backend
// during tests and single-host data-parallel runs.
type Group struct {
	worldSize int

	mu        sync.Mutex
	cond      *sync.Cond
	arrived   int
	departing int
	slots     []any
}

// NewGroup creates a group of worldSize workers. Each worker must run on its
// own goroutine, and all workers must call the same sequence of collectives.
func NewGroup(worldSize int) *Group {
	g := &Group{
		worldSize: worldSize,
		slots:     make([]any, worldSize),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Workers returns one Communicator handle per rank, in rank order.
func (g *Group) Workers() []*Worker {
	workers := make([]*Worker, g.worldSize)
	for rank := range workers {
		workers[rank] = &Worker{group: g, rank: rank}
	}
	return workers
}

// exchange deposits value in this rank's slot, waits for all ranks to arrive,
// and returns a copy of every rank's deposit. The barrier is reusable: a new
// round only starts once every participant of the previous round has left.
func (g *Group) exchange(ctx context.Context, rank int, value any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for g.departing > 0 {
		g.cond.Wait()
	}
	g.slots[rank] = value
	g.arrived++
	if g.arrived == g.worldSize {
		g.arrived = 0
		g.departing = g.worldSize
		g.cond.Broadcast()
	} else {
		for g.departing == 0 {
			g.cond.Wait()
		}
	}

	out := make([]any, g.worldSize)
	copy(out, g.slots)
	g.departing--
	if g.departing == 0 {
		g.cond.Broadcast()
	}
	return out, nil
}

// Worker is one rank's view of a Group. It implements Communicator.
type Worker struct {
	group *Group
	rank  int
}

func (w *Worker) Rank() int      { return w.rank }
func (w *Worker) WorldSize() int { return w.group.worldSize }
func (w *Worker) IsMain() bool   { return w.rank == 0 }

func (w *Worker) AllGather(ctx context.Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	vals, err := w.group.exchange(ctx, w.rank, t)
	if err != nil {
		return nil, err
	}
	parts := make([]*tensors.Tensor, len(vals))
	for i, v := range vals {
		parts[i] = v.(*tensors.Tensor)
	}
	return concatBatch(parts)
}

func (w *Worker) AllGatherInts(ctx context.Context, xs []int) ([][]int, error) {
	deposit := make([]int, len(xs))
	copy(deposit, xs)
	vals, err := w.group.exchange(ctx, w.rank, deposit)
	if err != nil {
		return nil, err
	}
	out := make([][]int, len(vals))
	for i, v := range vals {
		out[i] = v.([]int)
	}
	return out, nil
}

func (w *Worker) AllReduceMaxInt(ctx context.Context, x int) (int, error) {
	vals, err := w.group.exchange(ctx, w.rank, x)
	if err != nil {
		return 0, err
	}
	max := vals[0].(int)
	for _, v := range vals[1:] {
		if i := v.(int); i > max {
			max = i
		}
	}
	return max, nil
}

func (w *Worker) AllReduceMean(ctx context.Context, x float64) (float64, error) {
	vals, err := w.group.exchange(ctx, w.rank, x)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range vals {
		sum += v.(float64)
	}
	return sum / float64(len(vals)), nil
}

func (w *Worker) ScatterFloats(ctx context.Context, shards [][]float64) ([]float64, error) {
	if !w.IsMain() && shards != nil {
		return nil, errors.Errorf("ScatterFloats: rank %d passed shards, only rank 0 may", w.rank)
	}
	vals, err := w.group.exchange(ctx, w.rank, shards)
	if err != nil {
		return nil, err
	}
	rootShards := vals[0].([][]float64)
	if len(rootShards) != w.group.worldSize {
		return nil, errors.Errorf("ScatterFloats: rank 0 passed %d shards for %d workers",
			len(rootShards), w.group.worldSize)
	}
	return rootShards[w.rank], nil
}

// concatBatch concatenates tensors along axis 0, in the given order. All parts
// must share dtype and trailing dimensions.
func concatBatch(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	first := parts[0]
	dims := first.Shape().Dimensions
	rows := 0
	for _, p := range parts {
		pDims := p.Shape().Dimensions
		if p.DType() != first.DType() || len(pDims) != len(dims) {
			return nil, errors.Errorf("AllGather: mismatched shapes %s and %s", first.Shape(), p.Shape())
		}
		for axis := 1; axis < len(dims); axis++ {
			if pDims[axis] != dims[axis] {
				return nil, errors.Errorf("AllGather: mismatched shapes %s and %s", first.Shape(), p.Shape())
			}
		}
		rows += pDims[0]
	}
	outDims := append([]int{rows}, dims[1:]...)
	switch first.DType() {
	case dtypes.Int32:
		return concatFlat[int32](parts, outDims), nil
	case dtypes.Float32:
		return concatFlat[float32](parts, outDims), nil
	case dtypes.Float64:
		return concatFlat[float64](parts, outDims), nil
	default:
		return nil, errors.Errorf("AllGather: unsupported dtype %s", first.DType())
	}
}

func concatFlat[T dtypes.Supported](parts []*tensors.Tensor, dims []int) *tensors.Tensor {
	var flat []T
	for _, p := range parts {
		tensors.ConstFlatData(p, func(data []T) {
			flat = append(flat, data...)
		})
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}
