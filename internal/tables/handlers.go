// Package tables assembles the rows of each virtual table, from REST API
// fan-out for the orchestration hierarchy and from host readings for the
// instance and joblaunchstats tables.
package tables

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"metl-sql/internal/domain"
	"metl-sql/internal/latency"
	"metl-sql/internal/metlapi"
	"metl-sql/internal/sampler"
)

// API lists the orchestration hierarchy. *metlapi.Client satisfies it.
type API interface {
	Groups(ctx context.Context, creds domain.Credentials) ([]string, error)
	Projects(ctx context.Context, creds domain.Credentials, group string) ([]string, error)
	Schedules(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error)
	Environments(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error)
	Versions(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error)
	Jobs(ctx context.Context, creds domain.Credentials, group, project, version string) ([]string, error)
	RunningTasks(ctx context.Context, creds domain.Credentials, group, project string) ([]metlapi.RunningTask, error)
}

// Metrics supplies rates derived from sampled counters.
type Metrics interface {
	CPU() string
	Network() sampler.NetRates
}

// Platform supplies the probed platform identity.
type Platform interface {
	Identity() sampler.Identity
}

// HostFacts supplies point-in-time host readings.
type HostFacts interface {
	DiskUsed(ctx context.Context) string
	MemoryUsed() string
}

// Latencies supplies hourly launch latency buckets.
type Latencies interface {
	Collect(ctx context.Context) []latency.Bucket
}

// Request carries what a handler needs from the routed query.
type Request struct {
	Creds     domain.Credentials
	CountOnly bool
	Limit     int
	HasLimit  bool
}

// Deps are the data sources behind the tables.
type Deps struct {
	API       API
	Metrics   Metrics
	Platform  Platform
	Host      HostFacts
	Latencies Latencies
	Timezone  func() string
	Location  *time.Location // zone for runningjob start times (default time.Local)
}

// Handlers answers queries against every virtual table.
type Handlers struct {
	deps Deps
}

// New returns Handlers over deps.
func New(deps Deps) *Handlers {
	if deps.Timezone == nil {
		deps.Timezone = sampler.Timezone
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Handlers{deps: deps}
}

type assembleFunc func(ctx context.Context, req Request, sink *rowSink) error

// Run assembles table for req. In count mode the full row set is built and
// replaced by a single counter row.
func (h *Handlers) Run(ctx context.Context, table domain.Table, req Request) (*domain.TabularResult, error) {
	if table == domain.TableInstance && req.CountOnly {
		return domain.CountResult(1), nil
	}

	assemble, err := h.assembler(table)
	if err != nil {
		return nil, err
	}
	sink := newRowSink(table.Columns(), req)
	if !sink.full() {
		if err := assemble(ctx, req, sink); err != nil {
			return nil, err
		}
	}
	if req.CountOnly {
		return domain.CountResult(sink.res.Len()), nil
	}
	return sink.res, nil
}

func (h *Handlers) assembler(table domain.Table) (assembleFunc, error) {
	switch table {
	case domain.TableInstance:
		return h.instance, nil
	case domain.TableJobLaunchStats:
		return h.jobLaunchStats, nil
	case domain.TableGroup:
		return h.groups, nil
	case domain.TableProject:
		return h.projects, nil
	case domain.TableSchedule:
		return h.projectLeaves("schedulename", h.deps.API.Schedules), nil
	case domain.TableEnvironment:
		return h.projectLeaves("environmentname", h.deps.API.Environments), nil
	case domain.TableVersion:
		return h.projectLeaves("versionname", h.deps.API.Versions), nil
	case domain.TableJob:
		return h.jobs, nil
	case domain.TableRunningJob:
		return h.runningJobs, nil
	default:
		return nil, domain.ErrNotFound("table %q not found", table)
	}
}

// rowSink collects rows and reports when the row limit is reached.
type rowSink struct {
	res      *domain.TabularResult
	limit    int
	hasLimit bool
}

func newRowSink(columns []string, req Request) *rowSink {
	return &rowSink{
		res:      domain.NewTabularResult(columns),
		limit:    req.Limit,
		hasLimit: req.HasLimit && !req.CountOnly,
	}
}

func (s *rowSink) full() bool {
	return s.hasLimit && s.res.Len() >= s.limit
}

// add appends row and reports whether assembly should stop.
func (s *rowSink) add(row domain.Row) bool {
	s.res.Append(row)
	return s.full()
}

func (h *Handlers) groups(ctx context.Context, req Request, sink *rowSink) error {
	groups, err := h.deps.API.Groups(ctx, req.Creds)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if sink.add(domain.Row{"groupname": g}) {
			return nil
		}
	}
	return nil
}

// eachProject walks groups then projects depth-first, stopping once fn
// reports the sink is full.
func (h *Handlers) eachProject(ctx context.Context, req Request, fn func(group, project string) (bool, error)) error {
	groups, err := h.deps.API.Groups(ctx, req.Creds)
	if err != nil {
		return err
	}
	for _, g := range groups {
		projects, err := h.deps.API.Projects(ctx, req.Creds, g)
		if err != nil {
			return err
		}
		for _, p := range projects {
			done, err := fn(g, p)
			if err != nil || done {
				return err
			}
		}
	}
	return nil
}

func (h *Handlers) projects(ctx context.Context, req Request, sink *rowSink) error {
	return h.eachProject(ctx, req, func(g, p string) (bool, error) {
		return sink.add(domain.Row{"groupname": g, "projectname": p}), nil
	})
}

type projectLister func(ctx context.Context, creds domain.Credentials, group, project string) ([]string, error)

// projectLeaves builds the schedule, environment and version tables, which
// differ only in the listing and the leaf column name.
func (h *Handlers) projectLeaves(column string, list projectLister) assembleFunc {
	return func(ctx context.Context, req Request, sink *rowSink) error {
		return h.eachProject(ctx, req, func(g, p string) (bool, error) {
			names, err := list(ctx, req.Creds, g, p)
			if err != nil {
				return false, err
			}
			for _, n := range names {
				if sink.add(domain.Row{"groupname": g, "projectname": p, column: n}) {
					return true, nil
				}
			}
			return false, nil
		})
	}
}

func (h *Handlers) jobs(ctx context.Context, req Request, sink *rowSink) error {
	return h.eachProject(ctx, req, func(g, p string) (bool, error) {
		versions, err := h.deps.API.Versions(ctx, req.Creds, g, p)
		if err != nil {
			return false, err
		}
		for _, v := range versions {
			jobs, err := h.deps.API.Jobs(ctx, req.Creds, g, p, v)
			if err != nil {
				return false, err
			}
			for _, j := range jobs {
				row := domain.Row{"groupname": g, "projectname": p, "versionname": v, "jobname": j}
				if sink.add(row) {
					return true, nil
				}
			}
		}
		return false, nil
	})
}

// startTimeLayout matches ISO local date-time; fractional seconds appear
// only when non-zero.
const startTimeLayout = "2006-01-02T15:04:05.999999999"

func (h *Handlers) runningJobs(ctx context.Context, req Request, sink *rowSink) error {
	return h.eachProject(ctx, req, func(g, p string) (bool, error) {
		tasks, err := h.deps.API.RunningTasks(ctx, req.Creds, g, p)
		if err != nil {
			return false, err
		}
		for _, t := range tasks {
			// starttime carries the state itself for tasks not yet running.
			start := t.State
			if t.State == metlapi.StateRunning {
				start = time.UnixMilli(t.StartTime).In(h.deps.Location).Format(startTimeLayout)
			}
			row := domain.Row{
				"groupname":   g,
				"projectname": p,
				"versionname": t.VersionName,
				"id":          string(t.ID),
				"jobname":     t.JobName,
				"starttime":   start,
			}
			if sink.add(row) {
				return true, nil
			}
		}
		return false, nil
	})
}

func (h *Handlers) instance(ctx context.Context, _ Request, sink *rowSink) error {
	id := sampler.Identity{Provider: domain.Unknown, Warehouse: domain.Unknown, Version: domain.Unknown}
	if h.deps.Platform != nil {
		id = h.deps.Platform.Identity()
	}
	row := domain.Row{
		"provider": id.Provider,
		"cdw":      id.Warehouse,
		"version":  id.Version,
		"timezone": h.deps.Timezone(),
	}

	row["diskused"], row["memoryused"] = domain.Unknown, domain.Unknown
	if h.deps.Host != nil {
		row["diskused"] = h.deps.Host.DiskUsed(ctx)
		row["memoryused"] = h.deps.Host.MemoryUsed()
	}

	row["cpuused"] = domain.Unavailable
	rates := sampler.NetRates{Interface: domain.Unavailable, RxPerSec: domain.Unavailable, TxPerSec: domain.Unavailable}
	if h.deps.Metrics != nil {
		row["cpuused"] = h.deps.Metrics.CPU()
		rates = h.deps.Metrics.Network()
	}
	row["netifname"] = rates.Interface
	row["netrxbytespersec"] = rates.RxPerSec
	row["nettxbytespersec"] = rates.TxPerSec

	sink.add(row)
	return nil
}

func (h *Handlers) jobLaunchStats(ctx context.Context, _ Request, sink *rowSink) error {
	if h.deps.Latencies == nil {
		return nil
	}
	for _, b := range h.deps.Latencies.Collect(ctx) {
		row := domain.Row{
			"hour":            fmt.Sprintf("%s:00:00", b.Hour),
			"totaljobs":       strconv.FormatInt(b.Launches, 10),
			"totaldelaysecs":  strconv.FormatInt(b.TotalSeconds, 10),
			"meanlatencysecs": strconv.FormatInt(b.MeanSeconds(), 10),
			"maxlatencysecs":  strconv.FormatInt(b.MaxSeconds, 10),
		}
		if sink.add(row) {
			return nil
		}
	}
	return nil
}
