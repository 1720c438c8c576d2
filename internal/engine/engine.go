// Package engine answers SQL statements against the virtual tables.
package engine

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"metl-sql/internal/domain"
	"metl-sql/internal/resultset"
	"metl-sql/internal/router"
	"metl-sql/internal/tables"
)

// Gate verifies credentials. *security.CredentialGate satisfies it.
type Gate interface {
	Check(ctx context.Context, creds domain.Credentials) error
}

// TableRunner assembles virtual tables. *tables.Handlers satisfies it.
type TableRunner interface {
	Run(ctx context.Context, table domain.Table, req tables.Request) (*domain.TabularResult, error)
}

// History records executed statements. It may be nil.
type History interface {
	Insert(ctx context.Context, e *domain.QueryLogEntry) error
}

// Options configures an Engine.
type Options struct {
	Gate    Gate
	Tables  TableRunner
	History History
	Logger  *slog.Logger
}

// Engine is the single query entry point shared by every listener.
type Engine struct {
	gate    Gate
	tables  TableRunner
	history History
	logger  *slog.Logger
	now     func() time.Time
}

// New returns an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		gate:    opts.Gate,
		tables:  opts.Tables,
		history: opts.History,
		logger:  logger.With("component", "engine"),
		now:     time.Now,
	}
}

// Authenticate runs the credential gate once, as a listener does when a
// client connects.
func (e *Engine) Authenticate(ctx context.Context, creds domain.Credentials) error {
	return e.gate.Check(ctx, creds)
}

var txControl = regexp.MustCompile(`(?i)^\s*(BEGIN|COMMIT|ROLLBACK|END|ABORT|START\s+TRANSACTION|SAVEPOINT|RELEASE|SET|RESET)\b`)

// IsTransactionControl reports whether sql only manages session or
// transaction state. Such statements are acknowledged and do nothing.
func IsTransactionControl(sql string) bool {
	return txControl.MatchString(sql)
}

// Query authenticates creds and answers sql.
func (e *Engine) Query(ctx context.Context, creds domain.Credentials, sql string) (*resultset.ResultSet, error) {
	start := e.now()
	rs, table, err := e.query(ctx, creds, sql)
	e.record(ctx, creds, sql, table, rs, err, e.now().Sub(start))
	return rs, err
}

func (e *Engine) query(ctx context.Context, creds domain.Credentials, sql string) (*resultset.ResultSet, string, error) {
	if err := e.gate.Check(ctx, creds); err != nil {
		return nil, "", err
	}
	if IsTransactionControl(sql) {
		return resultset.Empty(), "", nil
	}
	if view, ok := matchInformationSchema(sql); ok {
		name := "information_schema." + view
		return resultset.New(name, informationSchema(view)), name, nil
	}

	plan, err := router.Route(sql)
	if err != nil {
		return nil, "", err
	}
	res, err := e.tables.Run(ctx, plan.Table, tables.Request{
		Creds:     creds,
		CountOnly: plan.CountOnly,
		Limit:     plan.Limit,
		HasLimit:  plan.HasLimit,
	})
	if err != nil {
		return nil, plan.Table.String(), err
	}
	return resultset.New(plan.Table.String(), res), plan.Table.String(), nil
}

func (e *Engine) record(ctx context.Context, creds domain.Credentials, sql, table string, rs *resultset.ResultSet, qerr error, elapsed time.Duration) {
	entry := &domain.QueryLogEntry{
		Principal:  creds.Username,
		SQL:        sql,
		Status:     domain.QueryStatusOK,
		DurationMs: elapsed.Milliseconds(),
	}
	if table != "" {
		entry.Table = &table
	}
	if rs != nil {
		entry.RowCount = int64(rs.Len())
	}
	if qerr != nil {
		msg := qerr.Error()
		entry.Status = domain.QueryStatusError
		entry.ErrorMessage = &msg
		e.logger.Info("query failed", "principal", creds.Username, "table", table, "error", qerr)
	} else {
		e.logger.Debug("query", "principal", creds.Username, "table", table, "rows", entry.RowCount, "duration_ms", entry.DurationMs)
	}

	if e.history == nil {
		return
	}
	// The caller may already be gone; the record should still land.
	if err := e.history.Insert(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("record query history", "error", err)
	}
}
