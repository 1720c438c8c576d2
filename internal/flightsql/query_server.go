package flightsql

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	arrowflightsql "github.com/apache/arrow-go/v18/arrow/flight/flightsql"
	"github.com/apache/arrow-go/v18/arrow/flight/flightsql/schema_ref"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"metl-sql/internal/domain"
	"metl-sql/internal/engine"
	"metl-sql/internal/resultset"
)

const (
	schemataQuery = "SELECT catalog_name, schema_name FROM information_schema.schemata"
	tablesQuery   = "SELECT table_catalog, table_schema, table_name, table_type FROM information_schema.tables"
)

type queryServer struct {
	arrowflightsql.BaseServer

	engine Engine
	logger *slog.Logger

	mu       sync.Mutex
	results  map[string]*resultset.ResultSet
	byTicket map[string]string
}

func newQueryServer(eng Engine, version string, logger *slog.Logger) *queryServer {
	srv := &queryServer{
		engine:   eng,
		logger:   logger,
		results:  make(map[string]*resultset.ResultSet),
		byTicket: make(map[string]string),
	}
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerName, "metl-sql")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerVersion, version)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerArrowVersion, "18")
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerSql, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerReadOnly, true)
	_ = srv.RegisterSqlInfo(arrowflightsql.SqlInfoFlightSqlServerCancel, true)
	return srv
}

func (s *queryServer) run(ctx context.Context, sql string) (*resultset.ResultSet, error) {
	creds, err := credentialsFromContext(ctx)
	if err != nil {
		return nil, err
	}
	rs, err := s.engine.Query(ctx, creds, sql)
	if err != nil {
		s.logger.Debug("flight sql query failed", "user", creds.Username, "error", err)
		return nil, toStatus(err)
	}
	return rs, nil
}

// GetFlightInfoStatement runs the statement up front and parks the result
// under a fresh handle until DoGet collects it.
func (s *queryServer) GetFlightInfoStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	rs, err := s.run(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}

	handle := uuid.NewString()
	ticket, err := arrowflightsql.CreateStatementQueryTicket([]byte(handle))
	if err != nil {
		return nil, fmt.Errorf("create statement query ticket: %w", err)
	}
	s.mu.Lock()
	s.results[handle] = rs
	s.byTicket[string(ticket)] = handle
	s.mu.Unlock()

	info := flightInfo(schemaFromColumns(rs.ColumnNames()), desc, ticket)
	info.TotalRecords = int64(rs.Len())
	return info, nil
}

func (s *queryServer) GetSchemaStatement(ctx context.Context, stmt arrowflightsql.StatementQuery, _ *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	rs, err := s.run(ctx, stmt.GetQuery())
	if err != nil {
		return nil, err
	}
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(schemaFromColumns(rs.ColumnNames()), memory.DefaultAllocator)}, nil
}

func (s *queryServer) DoGetStatement(ctx context.Context, queryTicket arrowflightsql.StatementQueryTicket) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	handle := string(queryTicket.GetStatementHandle())

	s.mu.Lock()
	rs, ok := s.results[handle]
	s.forget(handle)
	s.mu.Unlock()
	if !ok {
		return nil, nil, status.Error(codes.NotFound, "unknown statement handle or query canceled")
	}

	schema := schemaFromColumns(rs.ColumnNames())
	return streamSingleRecord(ctx, schema, buildRecord(schema, rs.Values()))
}

// CancelFlightInfo drops the parked result of every endpoint in the request.
func (s *queryServer) CancelFlightInfo(_ context.Context, req *arrowflight.CancelFlightInfoRequest) (arrowflight.CancelFlightInfoResult, error) {
	canceled := false
	s.mu.Lock()
	for _, ep := range req.GetInfo().GetEndpoint() {
		if handle, ok := s.byTicket[string(ep.GetTicket().GetTicket())]; ok {
			s.forget(handle)
			canceled = true
		}
	}
	s.mu.Unlock()

	if !canceled {
		return arrowflight.CancelFlightInfoResult{Status: arrowflight.CancelStatusNotCancellable}, nil
	}
	return arrowflight.CancelFlightInfoResult{Status: arrowflight.CancelStatusCancelled}, nil
}

// forget removes handle's result. Callers hold s.mu.
func (s *queryServer) forget(handle string) {
	delete(s.results, handle)
	for ticket, h := range s.byTicket {
		if h == handle {
			delete(s.byTicket, ticket)
		}
	}
}

func (s *queryServer) GetFlightInfoCatalogs(_ context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return flightInfo(schema_ref.Catalogs, desc, desc.Cmd), nil
}

func (s *queryServer) DoGetCatalogs(ctx context.Context) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	rs, err := s.run(ctx, schemataQuery)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	var rows [][]interface{}
	for _, row := range rs.Values() {
		catalog := fmt.Sprint(row[0])
		if seen[catalog] {
			continue
		}
		seen[catalog] = true
		rows = append(rows, []interface{}{catalog})
	}
	return streamSingleRecord(ctx, schema_ref.Catalogs, buildRecord(schema_ref.Catalogs, rows))
}

func (s *queryServer) GetFlightInfoSchemas(_ context.Context, _ arrowflightsql.GetDBSchemas, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return flightInfo(schema_ref.DBSchemas, desc, desc.Cmd), nil
}

func (s *queryServer) DoGetDBSchemas(ctx context.Context, req arrowflightsql.GetDBSchemas) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	rs, err := s.run(ctx, schemataQuery)
	if err != nil {
		return nil, nil, err
	}
	var rows [][]interface{}
	for _, row := range rs.Values() {
		catalog, schema := fmt.Sprint(row[0]), fmt.Sprint(row[1])
		if c := req.GetCatalog(); c != nil && *c != catalog {
			continue
		}
		if !matchesPattern(req.GetDBSchemaFilterPattern(), schema) {
			continue
		}
		rows = append(rows, []interface{}{catalog, schema})
	}
	return streamSingleRecord(ctx, schema_ref.DBSchemas, buildRecord(schema_ref.DBSchemas, rows))
}

func (s *queryServer) GetFlightInfoTableTypes(_ context.Context, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return flightInfo(schema_ref.TableTypes, desc, desc.Cmd), nil
}

func (s *queryServer) DoGetTableTypes(ctx context.Context) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	if _, err := credentialsFromContext(ctx); err != nil {
		return nil, nil, err
	}
	rows := [][]interface{}{{engine.TableType}}
	return streamSingleRecord(ctx, schema_ref.TableTypes, buildRecord(schema_ref.TableTypes, rows))
}

func (s *queryServer) GetFlightInfoTables(_ context.Context, req arrowflightsql.GetTables, desc *arrowflight.FlightDescriptor) (*arrowflight.FlightInfo, error) {
	return flightInfo(tablesSchema(req.GetIncludeSchema()), desc, desc.Cmd), nil
}

func (s *queryServer) GetSchemaTables(_ context.Context, req arrowflightsql.GetTables, _ *arrowflight.FlightDescriptor) (*arrowflight.SchemaResult, error) {
	return &arrowflight.SchemaResult{Schema: arrowflight.SerializeSchema(tablesSchema(req.GetIncludeSchema()), memory.DefaultAllocator)}, nil
}

// DoGetTables reads information_schema.tables and applies the request's
// filters here, since the engine returns metadata views unfiltered.
func (s *queryServer) DoGetTables(ctx context.Context, req arrowflightsql.GetTables) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	rs, err := s.run(ctx, tablesQuery)
	if err != nil {
		return nil, nil, err
	}

	types := map[string]bool{}
	for _, t := range req.GetTableTypes() {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			types[t] = true
		}
	}

	var rows [][]interface{}
	for _, row := range rs.Values() {
		catalog, schema := fmt.Sprint(row[0]), fmt.Sprint(row[1])
		name, tableType := fmt.Sprint(row[2]), fmt.Sprint(row[3])
		switch {
		case req.GetCatalog() != nil && *req.GetCatalog() != catalog:
			continue
		case !matchesPattern(req.GetDBSchemaFilterPattern(), schema):
			continue
		case !matchesPattern(req.GetTableNameFilterPattern(), name):
			continue
		case len(types) > 0 && !types[strings.ToUpper(tableType)]:
			continue
		}
		out := []interface{}{catalog, schema, name, tableType}
		if req.GetIncludeSchema() {
			tableSchema := virtualTableSchema(catalog, schema, domain.Table(name))
			out = append(out, arrowflight.SerializeSchema(tableSchema, memory.DefaultAllocator))
		}
		rows = append(rows, out)
	}

	schema := tablesSchema(req.GetIncludeSchema())
	return streamSingleRecord(ctx, schema, buildRecord(schema, rows))
}

func tablesSchema(includeSchema bool) *arrow.Schema {
	if includeSchema {
		return schema_ref.TablesWithIncludedSchema
	}
	return schema_ref.Tables
}

// virtualTableSchema describes a virtual table's columns as nullable
// strings annotated with their SQL type.
func virtualTableSchema(catalog, schema string, table domain.Table) *arrow.Schema {
	cols := table.Columns()
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		md := arrow.NewMetadata(
			[]string{
				arrowflightsql.CatalogNameKey,
				arrowflightsql.SchemaNameKey,
				arrowflightsql.TableNameKey,
				arrowflightsql.TypeNameKey,
				arrowflightsql.PrecisionKey,
				arrowflightsql.IsReadOnlyKey,
				arrowflightsql.IsCaseSensitiveKey,
			},
			[]string{catalog, schema, table.String(), domain.ColumnTypeName, fmt.Sprint(domain.ColumnSize), "1", "1"},
		)
		fields[i] = arrow.Field{Name: col, Type: arrow.BinaryTypes.String, Nullable: true, Metadata: md}
	}
	return arrow.NewSchema(fields, nil)
}

// matchesPattern applies a SQL LIKE pattern. A nil pattern matches
// everything.
func matchesPattern(pattern *string, value string) bool {
	if pattern == nil {
		return true
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range *pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile("(?s)" + b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func flightInfo(schema *arrow.Schema, desc *arrowflight.FlightDescriptor, ticket []byte) *arrowflight.FlightInfo {
	return &arrowflight.FlightInfo{
		Schema:           arrowflight.SerializeSchema(schema, memory.DefaultAllocator),
		FlightDescriptor: desc,
		Endpoint: []*arrowflight.FlightEndpoint{{
			Ticket: &arrowflight.Ticket{Ticket: ticket},
			Location: []*arrowflight.Location{{
				Uri: arrowflight.LocationReuseConnection,
			}},
		}},
		TotalRecords: -1,
		TotalBytes:   -1,
		Ordered:      true,
	}
}

func schemaFromColumns(columns []string) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, column := range columns {
		name := strings.TrimSpace(column)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// buildRecord fills string and binary columns from rows. nil cells are
// appended as nulls.
func buildRecord(schema *arrow.Schema, rows [][]interface{}) arrow.Record {
	builders := make([]array.Builder, schema.NumFields())
	for i, f := range schema.Fields() {
		builders[i] = array.NewBuilder(memory.DefaultAllocator, f.Type)
	}

	for _, row := range rows {
		for i, b := range builders {
			var v interface{}
			if i < len(row) {
				v = row[i]
			}
			if v == nil {
				b.AppendNull()
				continue
			}
			switch b := b.(type) {
			case *array.StringBuilder:
				b.Append(fmt.Sprint(v))
			case *array.BinaryBuilder:
				raw, _ := v.([]byte)
				b.Append(raw)
			default:
				b.AppendNull()
			}
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
		b.Release()
	}
	record := array.NewRecord(schema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return record
}

func streamSingleRecord(ctx context.Context, schema *arrow.Schema, record arrow.Record) (*arrow.Schema, <-chan arrowflight.StreamChunk, error) {
	rdr, err := array.NewRecordReader(schema, []arrow.RecordBatch{record})
	record.Release()
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan arrowflight.StreamChunk)
	go arrowflight.StreamChunksFromReader(ctx, rdr, ch)
	return schema, ch, nil
}
