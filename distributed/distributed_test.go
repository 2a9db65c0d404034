package distributed

import (
	"sync"
	"testing"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	for _, want := range []Strategy{SyncSGD, SyncAveraging, PairAveraging} {
		got, err := ParseStrategy(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStrategy("async_sgd")
	assert.Error(t, err)
}

// joinAll joins every rank of a fresh group and returns the collectives.
func joinAll(t *testing.T, size int) []Collective {
	group := NewGroup(size)
	workers := make([]Collective, size)
	for rank := 0; rank < size; rank++ {
		var err error
		workers[rank], err = group.Join(rank)
		require.NoError(t, err)
	}
	return workers
}

func TestJoinViolations(t *testing.T) {
	group := NewGroup(2)
	_, err := group.Join(0)
	require.NoError(t, err)
	_, err = group.Join(0)
	assert.Error(t, err, "rank taken twice")
	_, err = group.Join(2)
	assert.Error(t, err, "rank out of range")
}

func TestAllReduceMean(t *testing.T) {
	const size = 4
	workers := joinAll(t, size)

	var wg sync.WaitGroup
	values := make([]*tensors.Tensor, size)
	for rank := 0; rank < size; rank++ {
		values[rank] = tensors.FromFlat([]float32{float32(rank), 10 * float32(rank)}, 2)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, workers[rank].AllReduceMean([]*tensors.Tensor{values[rank]}))
		}(rank)
	}
	wg.Wait()

	// Mean of 0..3 is 1.5, mean of 0,10,20,30 is 15.
	for rank := 0; rank < size; rank++ {
		assert.Equal(t, []float32{1.5, 15}, values[rank].Data())
	}
}

func TestBroadcast(t *testing.T) {
	const size = 3
	workers := joinAll(t, size)

	var wg sync.WaitGroup
	values := make([]*tensors.Tensor, size)
	for rank := 0; rank < size; rank++ {
		values[rank] = tensors.FromFlat([]float32{float32(100 + rank)}, 1)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, workers[rank].Broadcast(0, []*tensors.Tensor{values[rank]}))
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		assert.Equal(t, []float32{100}, values[rank].Data(), "rank %d", rank)
	}
}

func TestPairAverage(t *testing.T) {
	const size = 2
	workers := joinAll(t, size)

	var wg sync.WaitGroup
	values := make([]*tensors.Tensor, size)
	for rank := 0; rank < size; rank++ {
		values[rank] = tensors.FromFlat([]float32{float32(rank * 10)}, 1)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			assert.NoError(t, workers[rank].PairAverage(0, []*tensors.Tensor{values[rank]}))
		}(rank)
	}
	wg.Wait()

	// With two workers the rotating peer is always the other one, so pair
	// averaging degenerates to the full average.
	for rank := 0; rank < size; rank++ {
		assert.Equal(t, []float32{5}, values[rank].Data())
	}
}

func TestMismatchedOperationsFail(t *testing.T) {
	workers := joinAll(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = workers[0].AllReduceMean([]*tensors.Tensor{tensors.New(2)})
	}()
	go func() {
		defer wg.Done()
		errs[1] = workers[1].Broadcast(0, []*tensors.Tensor{tensors.New(2)})
	}()
	wg.Wait()

	assert.True(t, errs[0] != nil || errs[1] != nil, "disagreeing workers must error out")
}

func TestMismatchedShapesFail(t *testing.T) {
	workers := joinAll(t, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = workers[0].AllReduceMean([]*tensors.Tensor{tensors.New(2)})
	}()
	go func() {
		defer wg.Done()
		errs[1] = workers[1].AllReduceMean([]*tensors.Tensor{tensors.New(3)})
	}()
	wg.Wait()

	assert.True(t, errs[0] != nil || errs[1] != nil, "disagreeing shapes must error out")
}

func TestSingleWorkerIsNoOp(t *testing.T) {
	workers := joinAll(t, 1)
	value := tensors.FromFlat([]float32{7}, 1)
	require.NoError(t, workers[0].AllReduceMean([]*tensors.Tensor{value}))
	require.NoError(t, workers[0].Broadcast(0, []*tensors.Tensor{value}))
	require.NoError(t, workers[0].PairAverage(3, []*tensors.Tensor{value}))
	assert.Equal(t, []float32{7}, value.Data())
}

func TestConsecutiveRounds(t *testing.T) {
	const size = 3
	const rounds = 10
	workers := joinAll(t, size)

	var wg sync.WaitGroup
	values := make([]*tensors.Tensor, size)
	for rank := 0; rank < size; rank++ {
		values[rank] = tensors.FromFlat([]float32{float32(rank)}, 1)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				if !assert.NoError(t, workers[rank].AllReduceMean([]*tensors.Tensor{values[rank]})) {
					return
				}
			}
		}(rank)
	}
	wg.Wait()

	// After the first round everyone holds the mean (1.0), and further
	// rounds keep it there.
	for rank := 0; rank < size; rank++ {
		assert.Equal(t, []float32{1}, values[rank].Data())
	}
}
