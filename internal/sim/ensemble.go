package sim

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/smhr/gandalf/internal/config"
)

// Ensemble runs the same configuration across a range of random seeds,
// one simulation per goroutine. Used for convergence and robustness
// sweeps from the CLI.
type Ensemble struct {
	cfg       *config.Config
	numRuns   int
	seedStart int64
}

func NewEnsemble(cfg *config.Config, numRuns int, seedStart int64) *Ensemble {
	return &Ensemble{cfg: cfg, numRuns: numRuns, seedStart: seedStart}
}

func (e *Ensemble) Run(ctx context.Context) ([]*Result, error) {
	results := make([]*Result, e.numRuns)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.numRuns; i++ {
		i := i
		g.Go(func() error {
			cfg := *e.cfg
			cfg.IC.Seed = e.seedStart + int64(i)
			s, err := New(&cfg)
			if err != nil {
				return err
			}
			results[i], err = s.Run(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
