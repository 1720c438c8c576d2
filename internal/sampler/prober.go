package sampler

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"metl-sql/internal/domain"
)

// Cloud providers reported in the instance table.
const (
	ProviderGCP   = "GCP"
	ProviderAWS   = "AWS"
	ProviderAzure = "Azure"
)

var (
	warehouseMarker = regexp.MustCompile(`getRealModule Using Database Environment \[([\w\s]+)\]`)
	versionJar      = regexp.MustCompile(`emerald-(1\.[0-9]+\.[0-9]+)\.jar`)
)

// Identity describes the platform the orchestration server runs on.
type Identity struct {
	Provider  string `json:"provider"`
	Warehouse string `json:"cdw"`
	Version   string `json:"version"`
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	// OnGCE reports whether the GCE metadata server answers. Defaults to
	// metadata.OnGCE.
	OnGCE func() bool
	// MetadataURL is the link-local endpoint that separates AWS from Azure.
	MetadataURL string
	Timeout     time.Duration // connect timeout for MetadataURL (default 1s)
	LogPath     string        // application log
	ArchiveGlob string        // rotated gzipped application logs
	LibGlob     string        // installed product jars
	Logger      *slog.Logger
}

// Prober discovers the platform Identity once. Every probe failure leaves
// its field "Unknown".
type Prober struct {
	opts   ProberOptions
	client *http.Client
	logger *slog.Logger

	mu   sync.RWMutex
	id   Identity
	done chan struct{}
	once sync.Once
}

// NewProber creates a Prober. Nothing is probed until Start or Run.
func NewProber(opts ProberOptions) *Prober {
	if opts.OnGCE == nil {
		opts.OnGCE = metadata.OnGCE
	}
	if opts.MetadataURL == "" {
		opts.MetadataURL = "http://169.254.169.254"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	return &Prober{
		opts: opts,
		client: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
			Timeout:   5 * opts.Timeout,
		},
		logger: opts.Logger.With("component", "prober"),
		id:     Identity{Provider: domain.Unknown, Warehouse: domain.Unknown, Version: domain.Unknown},
		done:   make(chan struct{}),
	}
}

// Start runs the probes in the background.
func (p *Prober) Start(ctx context.Context) {
	go p.Run(ctx)
}

// Run probes provider, warehouse and version concurrently and returns when
// all are done. Only the first call probes.
func (p *Prober) Run(ctx context.Context) {
	p.once.Do(func() {
		defer close(p.done)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			p.set(func(id *Identity) *string { return &id.Provider }, p.probeProvider(gctx))
			return nil
		})
		g.Go(func() error {
			p.set(func(id *Identity) *string { return &id.Warehouse }, p.probeWarehouse(gctx))
			return nil
		})
		g.Go(func() error {
			p.set(func(id *Identity) *string { return &id.Version }, p.probeVersion())
			return nil
		})
		_ = g.Wait()
		id := p.Identity()
		p.logger.Info("platform probed", "provider", id.Provider, "cdw", id.Warehouse, "version", id.Version)
	})
}

// Done is closed when probing has finished.
func (p *Prober) Done() <-chan struct{} { return p.done }

// Identity returns what has been discovered so far.
func (p *Prober) Identity() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

func (p *Prober) set(field func(*Identity) *string, value string) {
	if value == "" {
		return
	}
	p.mu.Lock()
	*field(&p.id) = value
	p.mu.Unlock()
}

func (p *Prober) probeProvider(ctx context.Context) string {
	if p.opts.OnGCE() {
		return ProviderGCP
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.MetadataURL, nil)
	if err != nil {
		return ""
	}
	defer p.client.CloseIdleConnections()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("metadata endpoint unreachable", "url", p.opts.MetadataURL, "error", err)
		return ""
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode == http.StatusOK {
		return ProviderAWS
	}
	return ProviderAzure
}

// probeWarehouse scans the live log and its rotated archives, in name
// order, for the first warehouse marker.
func (p *Prober) probeWarehouse(ctx context.Context) string {
	var files []string
	if p.opts.LogPath != "" {
		files = append(files, p.opts.LogPath)
	}
	if p.opts.ArchiveGlob != "" {
		archives, _ := filepath.Glob(p.opts.ArchiveGlob)
		sort.Strings(archives)
		files = append(files, archives...)
	}
	for _, path := range files {
		if ctx.Err() != nil {
			return ""
		}
		name, err := scanForMarker(path)
		if err != nil {
			p.logger.Debug("log scan failed", "path", path, "error", err)
			continue
		}
		if name != "" {
			return name
		}
	}
	return ""
}

func scanForMarker(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // configured log path
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck

	r, err := maybeGunzip(bufio.NewReader(f))
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if m := warehouseMarker.FindStringSubmatch(sc.Text()); m != nil {
			return strings.TrimSpace(m[1]), nil
		}
	}
	return "", sc.Err()
}

var gzipMagic = []byte{0x1f, 0x8b}

// maybeGunzip decompresses gzip input and passes anything else through.
func maybeGunzip(br *bufio.Reader) (io.Reader, error) {
	head, err := br.Peek(2)
	if err != nil || !bytes.Equal(head, gzipMagic) {
		return br, nil
	}
	return gzip.NewReader(br)
}

func (p *Prober) probeVersion() string {
	if p.opts.LibGlob == "" {
		return ""
	}
	jars, err := filepath.Glob(p.opts.LibGlob)
	if err != nil {
		return ""
	}
	sort.Strings(jars)
	for _, jar := range jars {
		if m := versionJar.FindStringSubmatch(filepath.Base(jar)); m != nil {
			return m[1]
		}
	}
	return ""
}
