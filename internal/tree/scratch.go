package tree

// Scratch is the per-worker arena for walk results and staging copies.
// Buffers persist across steps and grow monotonically: each pass starts
// from the worker's historical maximum, so steady-state stepping does
// no per-cell allocation.
type Scratch struct {
	ActivePart []int
	Cand       []int // hydro candidate gather, kept apart from the gravity lists
	Lists      GravityLists
}

// NewScratch sizes an arena from initial guesses; growth is on demand.
func NewScratch(nleafmax, nneibmax, ntot int) *Scratch {
	s := &Scratch{
		ActivePart: make([]int, nleafmax),
		Cand:       make([]int, nneibmax),
	}
	s.Lists.Neib = make([]int, nneibmax)
	s.Lists.Direct = make([]int, nneibmax)
	s.Lists.GravCell = make([]int, maxInt(64, ntot/8))
	return s
}

// GrowNeib enlarges all particle-list buffers past their current size.
func (s *Scratch) GrowNeib() {
	n := 2 * len(s.Lists.Neib)
	s.Lists.Neib = make([]int, n)
	s.Lists.Direct = make([]int, n)
	s.Cand = make([]int, n)
}

// GrowGravCell enlarges the accepted-cell buffer.
func (s *Scratch) GrowGravCell() {
	s.Lists.GravCell = make([]int, 2*len(s.Lists.GravCell))
}

// EnsureActive guarantees room for n active particle ids.
func (s *Scratch) EnsureActive(n int) {
	if n > len(s.ActivePart) {
		s.ActivePart = make([]int, n)
	}
}

// Pool hands each worker goroutine a private Scratch by index.
type Pool struct {
	arenas []*Scratch
}

// NewPool builds one arena per worker.
func NewPool(nworkers, nleafmax, nneibmax, ntot int) *Pool {
	p := &Pool{arenas: make([]*Scratch, nworkers)}
	for w := range p.arenas {
		p.arenas[w] = NewScratch(nleafmax, nneibmax, ntot)
	}
	return p
}

// Worker returns worker w's arena.
func (p *Pool) Worker(w int) *Scratch { return p.arenas[w] }

// Size reports the number of arenas.
func (p *Pool) Size() int { return len(p.arenas) }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
