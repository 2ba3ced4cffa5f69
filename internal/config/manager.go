package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffMin  = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	reloadQueueDepth = 1
)

var errWatcherClosed = errors.New("config watcher closed")

// snapshot is the committed config and the fingerprint used to skip
// republishing identical content.
type snapshot struct {
	cfg *Config
	sum uint64
}

// ConfigManager loads the config file and, while Watch runs, republishes it
// to subscribers each time the file changes and the validator accepts it.
type ConfigManager struct {
	path string
	log  logx.Logger

	cur       atomic.Pointer[snapshot]
	validator atomic.Pointer[func(context.Context, *Config) error]

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the check a reloaded config must pass before it is
// committed. nil removes it.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	if fn == nil {
		m.validator.Store(nil)
		return
	}
	m.validator.Store(&fn)
}

func (m *ConfigManager) read() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

// Load reads and commits the file without validation or publishing.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.cur.Store(&snapshot{cfg: cfg, sum: fingerprint(cfg)})
	return cfg, nil
}

// Get returns the last committed config, nil before Load.
func (m *ConfigManager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

// Subscribe returns a channel that receives each published config. A slow
// subscriber only ever sees the newest pending one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: replace the stale pending config with this one.
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

// reload reports whether a new config was committed and published.
func (m *ConfigManager) reload(ctx context.Context) bool {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	sum := fingerprint(cfg)
	if prev := m.cur.Load(); prev != nil && sum != 0 && prev.sum == sum {
		m.log.Debug("config content unchanged", logx.String("path", m.path))
		return false
	}
	if fn := m.validator.Load(); fn != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := (*fn)(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.cur.Store(&snapshot{cfg: cfg, sum: sum})
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("fingerprint", fmt.Sprintf("%016x", sum)))
	return true
}

// Watch reloads the file after it changes until ctx is done. Reloads run one
// at a time on a single goroutine, after a short quiet period. A broken
// fsnotify watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	changed := make(chan struct{}, reloadQueueDepth)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.reloadLoop(ctx, changed)
	}()
	defer func() { <-done }()

	backoff := watchBackoffMin
	for {
		err := m.watchOnce(ctx, changed)
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		m.log.Warn("config watcher failed; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
}

func (m *ConfigManager) reloadLoop(ctx context.Context, changed <-chan struct{}) {
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			quiet = time.After(reloadDebounce)
		case <-quiet:
			quiet = nil
			m.reload(ctx)
		}
	}
}

// watchOnce watches the config directory, so editors that replace the file
// by rename are still seen. It returns when ctx ends or the watcher breaks.
func (m *ConfigManager) watchOnce(ctx context.Context, changed chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))

	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != fsnotify.Chmod {
				notify()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				notify()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
		}
	}
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
