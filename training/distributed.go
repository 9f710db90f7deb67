package training

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

// ErrBackendUnavailable is returned for distributed backends that are not
// built in.
var ErrBackendUnavailable = errors.New("distributed backend unavailable")

// ErrGroupClosed is returned by AllReduce once any member left the group.
var ErrGroupClosed = errors.New("process group closed")

// ErrGroupHalted is returned by AllReduce once a member stopped on a
// non-finite loss.
var ErrGroupHalted = errors.New("peer rank stopped on a non-finite loss")

// LocalBackend runs every rank as a goroutine of the current process.
const LocalBackend = "local"

// DistConfig mirrors the distributed command-line flags.
type DistConfig struct {
	URL       string
	Rank      int
	WorldSize int
	Backend   string
}

// GradientSynchronizer averages parameter gradients across ranks.
type GradientSynchronizer interface {
	AllReduce(params []*layers.Param) error
	Rank() int
	WorldSize() int
	// Halt ends the group for every rank without failing them.
	Halt()
	Close()
}

// LocalGroup is an in-process group of WorldSize ranks. AllReduce blocks
// until every rank has contributed, then hands each the mean gradient.
type LocalGroup struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	arrived int
	gen     int
	closed  bool
	halted  bool
	sum     [][]float32
	mean    [][]float32
}

// NewLocalGroup creates a group for size ranks.
func NewLocalGroup(size int) *LocalGroup {
	g := &LocalGroup{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Member returns the synchronizer of rank.
func (g *LocalGroup) Member(rank int) GradientSynchronizer {
	return &localMember{group: g, rank: rank}
}

// Close releases every rank blocked in AllReduce with ErrGroupClosed.
func (g *LocalGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
}

// Halt releases every rank blocked in AllReduce with ErrGroupHalted.
func (g *LocalGroup) Halt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed, g.halted = true, true
	g.cond.Broadcast()
}

func (g *LocalGroup) closedErr() error {
	if g.halted {
		return ErrGroupHalted
	}
	return ErrGroupClosed
}

func (g *LocalGroup) allReduce(params []*layers.Param) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return g.closedErr()
	}

	if g.arrived == 0 {
		g.sum = make([][]float32, len(params))
		for i, p := range params {
			g.sum[i] = make([]float32, p.Grad.Numel())
		}
	}
	if len(g.sum) != len(params) {
		return errors.Errorf("rank has %d parameters, group expects %d", len(params), len(g.sum))
	}
	for i, p := range params {
		if len(g.sum[i]) != len(p.Grad.Data) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "%s", p.Name)
		}
		for j, v := range p.Grad.Data {
			g.sum[i][j] += v
		}
	}

	g.arrived++
	gen := g.gen
	if g.arrived == g.size {
		scale := 1 / float32(g.size)
		for _, s := range g.sum {
			for j := range s {
				s[j] *= scale
			}
		}
		g.mean, g.sum = g.sum, nil
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen && !g.closed {
			g.cond.Wait()
		}
		if g.gen == gen {
			return g.closedErr()
		}
	}

	for i, p := range params {
		copy(p.Grad.Data, g.mean[i])
	}
	return nil
}

type localMember struct {
	group *LocalGroup
	rank  int
}

func (m *localMember) AllReduce(params []*layers.Param) error { return m.group.allReduce(params) }
func (m *localMember) Rank() int                              { return m.rank }
func (m *localMember) WorldSize() int                         { return m.group.size }
func (m *localMember) Halt()                                  { m.group.Halt() }
func (m *localMember) Close()                                 { m.group.Close() }

// NewSynchronizer validates cfg for a single process. A world size of one
// needs no synchronizer; larger worlds need the local backend, whose group
// is created by the caller running the ranks.
func NewSynchronizer(cfg DistConfig) (*LocalGroup, error) {
	if cfg.WorldSize <= 1 {
		return nil, nil
	}
	if cfg.Backend != LocalBackend {
		return nil, errors.Wrapf(ErrBackendUnavailable, "%q (url %s)", cfg.Backend, cfg.URL)
	}
	if cfg.Rank != 0 {
		return nil, errors.Errorf("rank %d: the %s backend starts every rank from rank 0", cfg.Rank, LocalBackend)
	}
	return NewLocalGroup(cfg.WorldSize), nil
}
