package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"metl-sql/internal/domain"
	"metl-sql/pkg/driver"
)

func newQueryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a SQL statement against the virtual tables",
		Example: `  metl query -u admin 'SELECT * FROM "job"'
  metl query -o json 'SELECT COUNT(*) FROM "runningjob"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensurePassword(cmd, opts); err != nil {
				return err
			}
			columns, rows, err := runQuery(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), rowsToObjects(columns, rows))
			}
			printTable(cmd.OutOrStdout(), columns, textRows(rows))
			return nil
		},
	}
}

// ensurePassword prompts on the terminal when a user was given without a
// password.
func ensurePassword(cmd *cobra.Command, opts *options) error {
	if opts.user == "" {
		return errors.New("a user is required: pass --user, set METL_USER or configure a profile")
	}
	if opts.password != "" || cmd.Flags().Changed("password") {
		return nil
	}
	if !opts.isTerminal() {
		return errors.New("no password given and stdin is not a terminal: pass --password or set METL_PASSWORD")
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", opts.user)
	pw, err := opts.readPassword()
	_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	opts.password = string(pw)
	return nil
}

func runQuery(ctx context.Context, opts *options, query string) ([]string, [][]sql.NullString, error) {
	cfg := &driver.Config{
		Creds: domain.Credentials{Username: opts.user, Password: opts.password},
		Host:  opts.host,
		Port:  opts.port,
	}
	db, err := opts.open(cfg.FormatDSN())
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	rs, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rs.Close()

	columns, err := rs.Columns()
	if err != nil {
		return nil, nil, err
	}
	var rows [][]sql.NullString
	for rs.Next() {
		row := make([]sql.NullString, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range row {
			dest[i] = &row[i]
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}
	return columns, rows, rs.Err()
}

func textRows(rows [][]sql.NullString) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = make([]string, len(row))
		for j, v := range row {
			if v.Valid {
				out[i][j] = v.String
			} else {
				out[i][j] = "NULL"
			}
		}
	}
	return out
}

func rowsToObjects(columns []string, rows [][]sql.NullString) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		obj := make(map[string]interface{}, len(columns))
		for j, c := range columns {
			if row[j].Valid {
				obj[c] = row[j].String
			} else {
				obj[c] = nil
			}
		}
		out[i] = obj
	}
	return out
}
