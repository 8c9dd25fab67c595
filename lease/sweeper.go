package lease

import (
	"context"
	"sync"
	"time"

	vaultledger "github.com/coralledger/vault-ledger"
	"github.com/coralledger/vault-ledger/log"
)

const defaultSweepInterval = 30 * time.Second

// Sweeper periodically reclaims expired lease rows so a crashed worker never
// wedges a vault. It runs as an App under the Launcher.
type Sweeper struct {
	store    Store
	logger   log.Logger
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

var _ vaultledger.App = (*Sweeper)(nil)

// NewSweeper creates a sweeper over the given lease store.
func NewSweeper(store Store, interval time.Duration, logger log.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if interval <= 0 {
		interval = defaultSweepInterval
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Sweeper{
		store:    store,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}, nil
}

// Run starts the sweep loop until Stop is called.
func (s *Sweeper) Run(_ *vaultledger.Launcher) error {
	ctx := context.Background()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Log(ctx, log.LevelInfo, "lease sweeper started",
		log.Duration("interval", s.interval))

	for {
		select {
		case <-s.stop:
			s.logger.Log(ctx, log.LevelInfo, "lease sweeper stopped")

			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce reclaims currently expired leases and returns the count.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	reclaimed, err := s.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Log(ctx, log.LevelError, "lease sweep failed", log.Err(err))

		return 0
	}

	if reclaimed > 0 {
		s.logger.Log(ctx, log.LevelInfo, "reclaimed expired leases", log.Int("count", reclaimed))
	}

	return reclaimed
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
