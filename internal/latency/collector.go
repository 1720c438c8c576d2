// Package latency measures how long task batches wait between being queued
// and being started, by pairing the two events in the application log.
package latency

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"regexp"
	"sort"
	"time"
)

var (
	enqueueLine = regexp.MustCompile(`Queueing taskbatch with ID \[(\d+)\]`)
	dequeueLine = regexp.MustCompile(`Starting taskbatch with ID \[(\d+)\]`)
	timestamp   = regexp.MustCompile(`(?i)([0-9]{2}-[a-z]{3}-[0-9]{4}\s[0-9]{2}:[0-9]{2}:[0-9]{2}).[0-9]{3}\sINFO`)
)

const (
	timestampLayout = "02-Jan-2006 15:04:05"
	bucketLayout    = "2006-01-02 15"
)

// Bucket aggregates the launches whose enqueue fell in one hour.
type Bucket struct {
	Hour         string // "2006-01-02 15"
	Launches     int64
	TotalSeconds int64
	MaxSeconds   int64
}

// MeanSeconds returns the rounded mean latency, or 0 without launches.
func (b Bucket) MeanSeconds() int64 {
	if b.Launches == 0 {
		return 0
	}
	return int64(math.Round(float64(b.TotalSeconds) / float64(b.Launches)))
}

func (b *Bucket) add(seconds int64) {
	b.Launches++
	b.TotalSeconds += seconds
	if seconds > b.MaxSeconds {
		b.MaxSeconds = seconds
	}
}

type pending struct {
	raw string
	at  time.Time
}

// Scan reads log lines in order and returns hourly buckets sorted by hour.
// A dequeue with no pending enqueue, and any line without a parsable
// timestamp, is ignored.
func Scan(r io.Reader) ([]Bucket, error) {
	queued := make(map[string]pending)
	buckets := make(map[string]*Bucket)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		enq := enqueueLine.FindStringSubmatch(line)
		deq := dequeueLine.FindStringSubmatch(line)
		if enq == nil && deq == nil {
			continue
		}
		ts := timestamp.FindStringSubmatch(line)
		if ts == nil {
			continue
		}
		at, err := time.Parse(timestampLayout, ts[1])
		if err != nil {
			continue
		}

		if enq != nil {
			queued[enq[1]] = pending{raw: ts[1], at: at}
			continue
		}
		start, ok := queued[deq[1]]
		if !ok {
			continue
		}
		delete(queued, deq[1])

		var seconds int64
		if start.raw != ts[1] {
			seconds = max(int64(at.Sub(start.at)/time.Second), 0)
		}
		key := start.at.Format(bucketLayout)
		b, ok := buckets[key]
		if !ok {
			b = &Bucket{Hour: key}
			buckets[key] = b
		}
		b.add(seconds)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

// Collector scans one log file on demand.
type Collector struct {
	path   string
	logger *slog.Logger
}

// NewCollector returns a Collector for the log at path.
func NewCollector(path string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{path: path, logger: logger.With("component", "latency")}
}

// Collect scans the log. A missing or unreadable log yields no buckets
// rather than an error.
func (c *Collector) Collect(ctx context.Context) []Bucket {
	f, err := os.Open(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("open log", "path", c.path, "error", err)
		}
		return nil
	}
	defer f.Close() //nolint:errcheck

	buckets, err := Scan(ctxReader{ctx: ctx, r: f})
	if err != nil {
		c.logger.Warn("scan log", "path", c.path, "error", err)
		return nil
	}
	return buckets
}

// ctxReader stops a long scan when the query is abandoned.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
