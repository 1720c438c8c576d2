package domain

// Catalog and schema every virtual table is reported under.
const (
	CatalogName = "catalog"
	SchemaName  = "public"
)

// Every column is reported as VARCHAR with this display size.
const (
	ColumnTypeName = "VARCHAR"
	ColumnSize     = 80
)

// Placeholders rendered when a derived value cannot be computed.
const (
	Unknown     = "Unknown"
	Unavailable = "?"
)

// CounterColumn is the only column of a count-mode result.
const CounterColumn = "counter"

// Table identifies a virtual table.
type Table string

// Virtual tables, in routing precedence order.
const (
	TableInstance       Table = "instance"
	TableJobLaunchStats Table = "joblaunchstats"
	TableGroup          Table = "group"
	TableProject        Table = "project"
	TableSchedule       Table = "schedule"
	TableEnvironment    Table = "environment"
	TableVersion        Table = "version"
	TableRunningJob     Table = "runningjob"
	TableJob            Table = "job"
)

// Tables lists all virtual tables in routing precedence order.
var Tables = []Table{
	TableInstance,
	TableJobLaunchStats,
	TableGroup,
	TableProject,
	TableSchedule,
	TableEnvironment,
	TableVersion,
	TableRunningJob,
	TableJob,
}

var tableColumns = map[Table][]string{
	TableInstance: {
		"provider", "cdw", "version", "timezone", "diskused", "cpuused",
		"netifname", "netrxbytespersec", "nettxbytespersec", "memoryused",
	},
	TableGroup:          {"groupname"},
	TableProject:        {"groupname", "projectname"},
	TableSchedule:       {"groupname", "projectname", "schedulename"},
	TableEnvironment:    {"groupname", "projectname", "environmentname"},
	TableVersion:        {"groupname", "projectname", "versionname"},
	TableJob:            {"groupname", "projectname", "versionname", "jobname"},
	TableRunningJob:     {"groupname", "projectname", "versionname", "id", "jobname", "starttime"},
	TableJobLaunchStats: {"hour", "totaljobs", "totaldelaysecs", "meanlatencysecs", "maxlatencysecs"},
}

// Columns returns a copy of the column names of t in display order, or nil
// for an unknown table.
func (t Table) Columns() []string {
	cols, ok := tableColumns[t]
	if !ok {
		return nil
	}
	out := make([]string, len(cols))
	copy(out, cols)
	return out
}

// Valid reports whether t names a known virtual table.
func (t Table) Valid() bool {
	_, ok := tableColumns[t]
	return ok
}

func (t Table) String() string { return string(t) }

// ParseTable resolves a table name. Names are case-sensitive, as quoted
// identifiers are.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if !t.Valid() {
		return "", ErrNotFound("table %q not found", name)
	}
	return t, nil
}
