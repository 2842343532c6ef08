package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/logging"
)

// Spawner turns a seed firing into an automation run. The orchestrator
// implements it by creating an AUTOMATION session carrying the seed's prompt
// and requesting slot activation.
type Spawner interface {
	SpawnAutomation(ctx context.Context, seed core.Seed, scheduledAt time.Time) error
}

// SeedRunnerOptions configures a SeedRunner.
type SeedRunnerOptions struct {
	// Logger receives trigger traces. Defaults to NoOp.
	Logger logging.Logger
}

// SeedRunner schedules enabled seeds on a cron runner. Every firing spawns a
// fresh automation session; the seed itself never runs.
type SeedRunner struct {
	repo    core.Repository
	spawner Spawner
	logger  logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewSeedRunner creates a runner over the repository's seeds.
func NewSeedRunner(repo core.Repository, spawner Spawner, optFns ...func(o *SeedRunnerOptions)) *SeedRunner {
	opts := SeedRunnerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &SeedRunner{
		repo:    repo,
		spawner: spawner,
		logger:  opts.Logger,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads the enabled seeds, registers their schedules and starts the
// cron runner.
func (r *SeedRunner) Start(ctx context.Context) error {
	if err := r.Reload(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight spawns to finish.
func (r *SeedRunner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	<-c.Stop().Done()
}

// Reload re-reads the seeds and reconciles the registered schedules. Disabled
// or deleted seeds are unregistered, new ones added.
func (r *SeedRunner) Reload(ctx context.Context) error {
	seeds, err := r.repo.Seeds(ctx)
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		if !seed.Enabled {
			continue
		}
		seen[seed.ID] = true
		if _, ok := r.entries[seed.ID]; ok {
			continue
		}
		id, err := r.register(ctx, *seed)
		if err != nil {
			return fmt.Errorf("seed %s (%s): %w", seed.Name, seed.ID, err)
		}
		r.entries[seed.ID] = id
		r.logger.Info("seed scheduled", "seed_id", seed.ID, "name", seed.Name, "schedule", seed.Schedule)
	}

	for seedID, entryID := range r.entries {
		if !seen[seedID] {
			r.cron.Remove(entryID)
			delete(r.entries, seedID)
			r.logger.Info("seed unscheduled", "seed_id", seedID)
		}
	}
	return nil
}

// ScheduledSeeds lists the seed IDs currently registered on the runner.
func (r *SeedRunner) ScheduledSeeds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *SeedRunner) register(ctx context.Context, seed core.Seed) (cron.EntryID, error) {
	return r.cron.AddFunc(seed.Schedule, func() {
		scheduledAt := time.Now()
		if err := r.spawner.SpawnAutomation(ctx, seed, scheduledAt); err != nil {
			r.logger.Error("seed spawn failed", "seed_id", seed.ID, "error", err)
			return
		}
		r.logger.Debug("seed fired", "seed_id", seed.ID, "at", scheduledAt.Format(time.RFC3339))
	})
}
