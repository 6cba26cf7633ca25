// Package distributed provides the collective operations experience collection
// needs across data-parallel workers: gathering rollouts on the main worker,
// scattering reward shards back, and reducing scalar statistics.
//
// Collectives take a context but only check it on entry: once a worker has
// joined a collective its peers are committed, so cancellation applies between
// collectives, not inside one.
package distributed

import (
	"context"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Communicator is the collective-communication surface used by the experience
// collector. Tensor collectives operate on the leading (batch) axis.
type Communicator interface {
	// Rank is this worker's index, in [0, WorldSize).
	Rank() int
	// WorldSize is the number of participating workers.
	WorldSize() int
	// IsMain reports whether this worker is rank 0.
	IsMain() bool

	// AllGather concatenates each worker's tensor along the batch axis, in
	// rank order. All workers receive the same result.
	AllGather(ctx context.Context, t *tensors.Tensor) (*tensors.Tensor, error)

	// AllGatherInts collects each worker's int slice, in rank order.
	AllGatherInts(ctx context.Context, xs []int) ([][]int, error)

	// AllReduceMaxInt returns the maximum of x across all workers.
	AllReduceMaxInt(ctx context.Context, x int) (int, error)

	// AllReduceMean returns the mean of x across all workers.
	AllReduceMean(ctx context.Context, x float64) (float64, error)

	// ScatterFloats distributes shards from the main worker: rank 0 passes
	// one shard per rank, every other rank passes nil, and each worker
	// receives shards[rank].
	ScatterFloats(ctx context.Context, shards [][]float64) ([]float64, error)
}

// Local is the single-worker Communicator: every collective is the identity.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }
func (Local) IsMain() bool   { return true }

func (Local) AllGather(ctx context.Context, t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

func (Local) AllGatherInts(ctx context.Context, xs []int) ([][]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return [][]int{xs}, nil
}

func (Local) AllReduceMaxInt(ctx context.Context, x int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return x, nil
}

func (Local) AllReduceMean(ctx context.Context, x float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return x, nil
}

func (Local) ScatterFloats(ctx context.Context, shards [][]float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(shards) != 1 {
		return nil, errors.Errorf("ScatterFloats on a local communicator expects exactly 1 shard, got %d", len(shards))
	}
	return shards[0], nil
}
