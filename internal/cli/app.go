package cli

import (
	"context"
	"net/http"
	"time"

	"schedflow/internal/config"
	handlershttp "schedflow/internal/handlers/http"
	"schedflow/internal/handlers/shell"
	"schedflow/internal/queue"
	"schedflow/internal/scheduler"
	"schedflow/internal/task"
	"schedflow/internal/worker"
)

// app is the wired object graph shared by every command.
type app struct {
	store    *queue.Store
	registry *task.Registry
	cycle    *scheduler.Cycle
	ticker   *scheduler.Ticker
	facade   *scheduler.Facade
	runner   *worker.Runner
}

func newApp(ctx context.Context, m *config.Manager) (*app, error) {
	cfg := m.Get()
	db, err := queue.Open(queue.Dialect(cfg.Storage.Driver), cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	store := queue.NewStore(db, queue.Dialect(cfg.Storage.Driver), nil)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := task.NewRegistry()
	shell.Register(reg)
	handlershttp.Register(reg, &http.Client{Timeout: 5 * time.Minute})

	cycle := scheduler.NewCycle(store, store, store, reg, m, nil)
	cycle.Register(reg)

	return &app{
		store:    store,
		registry: reg,
		cycle:    cycle,
		ticker:   scheduler.NewTicker(scheduler.NewPolicy(store, m, nil), store, m, nil),
		facade:   scheduler.NewFacade(store, nil),
		runner:   worker.NewRunner(store, reg, m, nil),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }
