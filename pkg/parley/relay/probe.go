package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pinger reports whether a provider endpoint is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe periodically checks provider reachability on a cron schedule and
// logs state transitions. It exists so operators see a local model runner
// going down before users report failed turns.
type Probe struct {
	pinger   Pinger
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	healthy bool
	seen    bool
}

func NewProbe(pinger Pinger, schedule string, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		pinger:   pinger,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the schedule and begins probing. Returns an error only
// when the schedule expression does not parse.
func (p *Probe) Start() error {
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.schedule, p.check); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("health probe started", "schedule", p.schedule)
	return nil
}

func (p *Probe) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

func (p *Probe) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.pinger.Ping(ctx)
	healthy := err == nil

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen && healthy == p.healthy {
		return
	}
	p.seen = true
	p.healthy = healthy
	if healthy {
		p.logger.Info("model runner reachable")
	} else {
		p.logger.Warn("model runner unreachable", "error", err)
	}
}
