package session

import (
	"log/slog"
	"sync"
	"time"
)

type ReaperConfig struct {
	// Sweep cadence
	Interval time.Duration

	// Sessions idle longer than TTL are evicted. Zero disables eviction.
	TTL time.Duration
}

func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: 5 * time.Minute,
		TTL:      24 * time.Hour,
	}
}

// Reaper evicts abandoned sessions on a timer. Rooms keep working while their
// state is gone; the next accepted write recreates it.
type Reaper struct {
	store  *Store
	config ReaperConfig
	log    *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

func NewReaper(store *Store, config ReaperConfig, log *slog.Logger) *Reaper {
	return &Reaper{
		store:  store,
		config: config,
		log:    log,
		stop:   make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	if r.config.TTL <= 0 {
		r.log.Info("session.reaper.disabled")
		return
	}
	r.wg.Add(1)
	go r.run()
	r.log.Info("session.reaper.started", "interval", r.config.Interval, "ttl", r.config.TTL)
}

func (r *Reaper) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs a single eviction pass.
func (r *Reaper) Sweep() {
	evicted := r.store.Expire(time.Now().Add(-r.config.TTL))
	if len(evicted) > 0 {
		r.log.Info("session.reaper.evicted", "count", len(evicted), "sessions", evicted)
	}
}
