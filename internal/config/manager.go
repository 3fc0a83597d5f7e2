package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// Manager holds the live configuration. Readers always see a complete
// snapshot; a reload that fails to parse or validate keeps the previous one.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]

	subsMu sync.Mutex
	subs   []chan *Config
}

// NewManager returns a manager seeded with cfg. path may be empty, in which
// case Watch and Reload are no-ops.
func NewManager(path string, cfg *Config) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	m := &Manager{path: path}
	m.cur.Store(cfg)
	return m
}

func (m *Manager) Get() *Config { return m.cur.Load() }

// Subscribe returns a channel that receives every committed reload.
func (m *Manager) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Reload parses the file again and commits it if it is valid.
func (m *Manager) Reload() error {
	if m.path == "" {
		return nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.cur.Store(cfg)
	m.publish(cfg)
	return nil
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// keep only the newest snapshot for slow subscribers
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Watch reloads the configuration whenever the file changes, until ctx is
// cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory so editors that replace the file are still seen.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	base := filepath.Base(m.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if err := m.Reload(); err != nil {
			log.Warn().Err(err).Str("path", m.path).Msg("config reload rejected")
			return
		}
		log.Info().Str("path", m.path).Msg("config reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", m.path).Msg("config watch error")
		}
	}
}

func (m *Manager) DefaultQueueName() string         { return m.Get().Queue.DefaultName }
func (m *Manager) Context() string                  { return m.Get().Queue.Context }
func (m *Manager) CheckThreshold() time.Duration    { return m.Get().Scheduler.CheckThreshold }
func (m *Manager) TickMinInterval() time.Duration   { return m.Get().Scheduler.TickMinInterval }
func (m *Manager) MaxConcurrency() int              { return m.Get().Runner.MaxConcurrency }
func (m *Manager) MaxRetries() int                  { return m.Get().Runner.MaxRetries }
func (m *Manager) InactivityTimeout() time.Duration { return m.Get().Runner.InactivityTimeout }
func (m *Manager) WakeupDelay() time.Duration       { return m.Get().Runner.WakeupDelay }
func (m *Manager) MaxAlive() time.Duration          { return m.Get().Runner.MaxAlive }
