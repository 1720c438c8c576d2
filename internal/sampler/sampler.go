// Package sampler keeps periodic snapshots of host counters and derives CPU
// and network rates from the two most recent samples. It also probes the
// host's platform identity once at startup.
package sampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Source names.
const (
	SourceCPU     = "cpu"
	SourceNetwork = "network"
)

// pair is replaced as a whole so readers never see half an update.
type pair struct {
	previous string
	current  string
}

type source struct {
	name string
	path string
	pick func(io.Reader) (string, error)

	snap    atomic.Pointer[pair]
	halted  atomic.Bool
	mu      sync.Mutex
	lastAt  time.Time
	lastErr error
}

func (src *source) read() (string, error) {
	f, err := os.Open(src.path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	return src.pick(f)
}

func (src *source) load() pair {
	if p := src.snap.Load(); p != nil {
		return *p
	}
	return pair{}
}

// Health reports the state of one sampled source.
type Health struct {
	Source     string    `json:"source"`
	Path       string    `json:"path"`
	Running    bool      `json:"running"`
	LastSample time.Time `json:"last_sample,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Options configures a Sampler.
type Options struct {
	StatPath   string        // default /proc/stat
	NetDevPath string        // default /proc/net/dev
	Interval   time.Duration // default 10s
	Logger     *slog.Logger
}

// Sampler reads /proc/stat and /proc/net/dev on a fixed interval. A source
// whose read fails is cleared and not read again; its Health carries the
// error.
type Sampler struct {
	cpu      *source
	net      *source
	interval time.Duration
	logger   *slog.Logger

	cron     *cron.Cron
	mu       sync.Mutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Sampler. It does not read anything until Start or Sample.
func New(opts Options) *Sampler {
	if opts.StatPath == "" {
		opts.StatPath = "/proc/stat"
	}
	if opts.NetDevPath == "" {
		opts.NetDevPath = "/proc/net/dev"
	}
	if opts.Interval < time.Second {
		opts.Interval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Sampler{
		cpu:      &source{name: SourceCPU, path: opts.StatPath, pick: firstLine},
		net:      &source{name: SourceNetwork, path: opts.NetDevPath, pick: firstInterfaceLine},
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "sampler"),
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		done:     make(chan struct{}),
	}
}

// Start takes a first sample and schedules the rest. The sampler stops when
// ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sampler already started")
	}
	s.started = true

	s.Sample()
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.Sample))
	s.cron.Start()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	s.logger.Info("sampler started", "interval", s.interval)
	return nil
}

// Stop halts sampling and waits for a running cycle to finish. It is safe to
// call more than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.cron.Stop().Done()
		s.logger.Info("sampler stopped")
	})
}

// Sample runs one cycle over every source that has not halted.
func (s *Sampler) Sample() {
	for _, src := range []*source{s.cpu, s.net} {
		if src.halted.Load() {
			continue
		}
		line, err := src.read()
		now := time.Now()
		if err != nil {
			src.snap.Store(&pair{})
			src.halted.Store(true)
			src.mu.Lock()
			src.lastErr = err
			src.mu.Unlock()
			s.logger.Warn("sampling halted", "source", src.name, "path", src.path, "error", err)
			continue
		}
		prev := src.load()
		src.snap.Store(&pair{previous: prev.current, current: line})
		src.mu.Lock()
		src.lastAt = now
		src.mu.Unlock()
	}
}

// CPU returns the busy percent between the last two samples, or "?".
func (s *Sampler) CPU() string {
	p := s.cpu.load()
	return CPUPercent(p.previous, p.current)
}

// Network returns the first non-loopback interface's rates, or "?" fields.
func (s *Sampler) Network() NetRates {
	p := s.net.load()
	return NetworkRates(p.previous, p.current, int64(s.interval/time.Second))
}

// Health returns one entry per source.
func (s *Sampler) Health() []Health {
	out := make([]Health, 0, 2)
	for _, src := range []*source{s.cpu, s.net} {
		src.mu.Lock()
		h := Health{
			Source:     src.name,
			Path:       src.path,
			Running:    !src.halted.Load(),
			LastSample: src.lastAt,
		}
		if src.lastErr != nil {
			h.Error = src.lastErr.Error()
		}
		src.mu.Unlock()
		out = append(out, h)
	}
	return out
}

func firstLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		return sc.Text(), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("empty file")
}

// firstInterfaceLine skips the two header lines of /proc/net/dev by
// requiring a colon, and skips the loopback interface.
func firstInterfaceLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, ":") || strings.HasPrefix(strings.TrimSpace(line), "lo:") {
			continue
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no non-loopback interface")
}
