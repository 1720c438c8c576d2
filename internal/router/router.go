// Package router classifies SQL text into a virtual table, a count flag and
// an optional row limit.
package router

import (
	"regexp"
	"strconv"

	"metl-sql/internal/domain"
)

// Plan is the routing decision for one statement.
type Plan struct {
	Table     domain.Table
	CountOnly bool
	Limit     int
	HasLimit  bool
}

var (
	countPattern = regexp.MustCompile(`(?s)SELECT\s+COUNT\(\*\)\s+`)
	limitPattern = regexp.MustCompile(`LIMIT\s(\d+)`)
)

type route struct {
	table   domain.Table
	pattern *regexp.Regexp
}

// routes holds one pattern per table in precedence order. Each pattern ends
// at the closing quote of the identifier, so "job" never matches "runningjob".
var routes = buildRoutes()

func buildRoutes() []route {
	out := make([]route, 0, len(domain.Tables))
	for _, t := range domain.Tables {
		out = append(out, route{
			table:   t,
			pattern: regexp.MustCompile(`(?is)SELECT.*FROM.*"` + regexp.QuoteMeta(string(t)) + `"`),
		})
	}
	return out
}

// Route classifies sql. It fails with a SyntaxError when no table matches.
func Route(sql string) (Plan, error) {
	var p Plan
	p.CountOnly = countPattern.MatchString(sql)
	if !p.CountOnly {
		if m := limitPattern.FindStringSubmatch(sql); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				p.Limit, p.HasLimit = n, true
			}
		}
	}

	for _, r := range routes {
		if r.pattern.MatchString(sql) {
			p.Table = r.table
			return p, nil
		}
	}
	return Plan{}, domain.ErrSyntax("Syntax error")
}
