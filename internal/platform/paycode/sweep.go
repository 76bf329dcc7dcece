package paycode

import (
	"context"
	"time"
)

const DefaultSweepBatchSize = 500

// Sweeper expires overdue ACTIVE codes. Redemption lazily expires the code it
// touches, so the sweep only keeps listings and gauges honest.
type Sweeper struct {
	BatchSize int

	registry *CodeRegistry
}

func NewSweeper(registry *CodeRegistry, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	return &Sweeper{BatchSize: batchSize, registry: registry}
}

// RunOnce expires batches until one comes back short. Running it again right
// away changes nothing.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	var total int64
	for {
		n, err := s.registry.ExpireStale(ctx, s.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.BatchSize) {
			return total, nil
		}
	}
}

// Start runs RunOnce every interval until ctx is done. observer, if set, sees
// the result of each run.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration, logger func(string, ...any), observer func(int64, error)) {
	if s == nil || s.registry == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := s.RunOnce(ctx)
				if observer != nil {
					observer(expired, err)
				}
				if logger == nil {
					continue
				}
				if err != nil {
					logger("payment code sweep failed: %v", err)
				} else if expired > 0 {
					logger("payment code sweep expired %d codes", expired)
				}
			}
		}
	}()
}
