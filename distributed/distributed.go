// Package distributed implements the cross-worker synchronization used in
// multi-worker training: the sync strategies, the one-time initial state
// broadcast and the per-step gradient/parameter exchanges.
//
// The Collective interface is the transport boundary. The in-process Group
// implementation runs all workers inside one process (one goroutine each),
// which is how multi-worker runs are exercised and tested here; a networked
// transport can implement the same interface.
package distributed

import (
	"sync"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/pkg/errors"
)

// Strategy selects how workers combine their updates each step.
type Strategy int

const (
	// SyncSGD averages gradients across all workers before every update.
	SyncSGD Strategy = iota
	// SyncAveraging averages the parameters across all workers after every
	// local update.
	SyncAveraging
	// PairAveraging averages the parameters with a single rotating peer
	// after every local update, avoiding the full barrier of the
	// synchronous modes on a networked transport.
	PairAveraging
)

// ParseStrategy parses the configuration surface value.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "synchronous_sgd":
		return SyncSGD, nil
	case "synchronous_averaging":
		return SyncAveraging, nil
	case "pairwise_averaging":
		return PairAveraging, nil
	}
	return 0, errors.Errorf("unknown sync strategy %q", s)
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case SyncSGD:
		return "synchronous_sgd"
	case SyncAveraging:
		return "synchronous_averaging"
	case PairAveraging:
		return "pairwise_averaging"
	}
	return "invalid"
}

// Topology identifies one worker within the cooperating set.
type Topology struct {
	Rank      int
	WorldSize int
}

// Collective is the synchronization transport of one worker. All workers
// must call the same operation with tensors of the same shapes in the same
// order; a disagreement is a protocol violation and errors out every
// worker.
type Collective interface {
	Topology() Topology

	// AllReduceMean replaces every tensor with the element-wise mean over
	// all workers. It blocks until all workers contributed.
	AllReduceMean(vecs []*tensors.Tensor) error

	// Broadcast replaces every tensor with the root worker's values.
	Broadcast(root int, vecs []*tensors.Tensor) error

	// PairAverage averages every tensor with one peer's, the peer rotating
	// with the round number.
	PairAverage(round int64, vecs []*tensors.Tensor) error
}

type opKind int

const (
	opNone opKind = iota
	opAllReduce
	opBroadcast
	opPairAverage
)

// Group is an in-process collective over worldSize workers. Each worker
// goroutine obtains its Collective with Join.
type Group struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	joined []bool

	// Current round state, guarded by mu.
	op       opKind
	root     int
	round    int64
	arrived  int
	departed int
	ready    bool
	shapes   []int               // element counts per tensor, the round signature
	sums     [][]float32         // opAllReduce accumulators / opBroadcast source
	perRank  map[int][][]float32 // opPairAverage contributions
	err      error
}

// NewGroup creates an in-process collective for worldSize workers.
func NewGroup(worldSize int) *Group {
	if worldSize < 1 {
		worldSize = 1
	}
	g := &Group{size: worldSize, joined: make([]bool, worldSize)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Join returns the Collective of the given rank. Joining an out-of-range or
// already-taken rank is a topology violation.
func (g *Group) Join(rank int) (Collective, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rank < 0 || rank >= g.size {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, g.size)
	}
	if g.joined[rank] {
		return nil, errors.Errorf("rank %d joined twice", rank)
	}
	g.joined[rank] = true
	return &worker{group: g, rank: rank}, nil
}

type worker struct {
	group *Group
	rank  int
}

// Topology implements Collective.
func (w *worker) Topology() Topology {
	return Topology{Rank: w.rank, WorldSize: w.group.size}
}

// AllReduceMean implements Collective.
func (w *worker) AllReduceMean(vecs []*tensors.Tensor) error {
	if w.group.size == 1 {
		return nil
	}
	return w.runRound(opAllReduce, 0, 0, vecs)
}

// Broadcast implements Collective.
func (w *worker) Broadcast(root int, vecs []*tensors.Tensor) error {
	if root < 0 || root >= w.group.size {
		return w.group.fail(errors.Errorf("broadcast root %d out of range for world size %d", root, w.group.size))
	}
	if w.group.size == 1 {
		return nil
	}
	return w.runRound(opBroadcast, root, 0, vecs)
}

// PairAverage implements Collective.
func (w *worker) PairAverage(round int64, vecs []*tensors.Tensor) error {
	if w.group.size == 1 {
		return nil
	}
	return w.runRound(opPairAverage, 0, round, vecs)
}

// fail records a protocol violation and wakes everyone.
func (g *Group) fail(err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failLocked(err)
}

func (g *Group) failLocked(err error) error {
	if g.err == nil {
		g.err = err
	}
	g.cond.Broadcast()
	return g.err
}

// runRound executes one collective round: arrive and contribute, wait for
// everyone, take the result, and have the last one out reset the round.
func (w *worker) runRound(op opKind, root int, round int64, vecs []*tensors.Tensor) error {
	g := w.group
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait for the previous round to fully drain.
	for g.ready && g.err == nil {
		g.cond.Wait()
	}
	if g.err != nil {
		return g.err
	}

	// First arrival defines the round; later arrivals must agree with it.
	if g.arrived == 0 {
		g.op = op
		g.root = root
		g.round = round
		g.shapes = make([]int, len(vecs))
		for ii, v := range vecs {
			g.shapes[ii] = v.Size()
		}
		g.sums = nil
		g.perRank = make(map[int][][]float32, g.size)
	} else {
		if g.op != op || g.root != root || g.round != round || len(g.shapes) != len(vecs) {
			return g.failLocked(errors.Errorf(
				"synchronization protocol violation: workers disagree on the collective operation"))
		}
		for ii, v := range vecs {
			if g.shapes[ii] != v.Size() {
				return g.failLocked(errors.Errorf(
					"synchronization protocol violation: tensor %d has %d elements, expected %d",
					ii, v.Size(), g.shapes[ii]))
			}
		}
	}

	// Contribute.
	switch op {
	case opAllReduce:
		if g.sums == nil {
			g.sums = make([][]float32, len(vecs))
			for ii := range vecs {
				g.sums[ii] = make([]float32, g.shapes[ii])
			}
		}
		for ii, v := range vecs {
			sum := g.sums[ii]
			for jj, x := range v.Data() {
				sum[jj] += x
			}
		}
	case opBroadcast:
		if w.rank == root {
			g.sums = make([][]float32, len(vecs))
			for ii, v := range vecs {
				g.sums[ii] = append([]float32{}, v.Data()...)
			}
		}
	case opPairAverage:
		contribution := make([][]float32, len(vecs))
		for ii, v := range vecs {
			contribution[ii] = append([]float32{}, v.Data()...)
		}
		g.perRank[w.rank] = contribution
	}

	g.arrived++
	if g.arrived == g.size {
		if op == opAllReduce {
			inv := 1 / float32(g.size)
			for _, sum := range g.sums {
				for jj := range sum {
					sum[jj] *= inv
				}
			}
		}
		g.ready = true
		g.cond.Broadcast()
	} else {
		for !g.ready && g.err == nil {
			g.cond.Wait()
		}
		if g.err != nil {
			return g.err
		}
	}

	// Take the result.
	switch op {
	case opAllReduce, opBroadcast:
		for ii, v := range vecs {
			copy(v.Data(), g.sums[ii])
		}
	case opPairAverage:
		peer := w.pairPeer(round)
		peerData := g.perRank[peer]
		for ii, v := range vecs {
			data := v.Data()
			for jj := range data {
				data[jj] = (data[jj] + peerData[ii][jj]) / 2
			}
		}
	}

	// Last one out resets the round.
	g.departed++
	if g.departed == g.size {
		g.arrived = 0
		g.departed = 0
		g.ready = false
		g.op = opNone
		g.sums = nil
		g.perRank = nil
		g.cond.Broadcast()
	}
	return nil
}

// pairPeer rotates through all other workers as the round advances.
func (w *worker) pairPeer(round int64) int {
	shift := 1 + int(round%int64(w.group.size-1))
	return (w.rank + shift) % w.group.size
}
