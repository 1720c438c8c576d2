package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"metl-sql/internal/domain"
)

type tableListing struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

func newTablesCmd() *cobra.Command {
	var withColumns bool

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List the virtual tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			listing := make([]tableListing, 0, len(domain.Tables))
			for _, t := range domain.Tables {
				listing = append(listing, tableListing{Name: t.String(), Columns: t.Columns()})
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), listing)
			}

			header := []string{"table", "columns"}
			rows := make([][]string, 0, len(listing))
			for _, tl := range listing {
				if withColumns {
					rows = append(rows, []string{tl.Name, strings.Join(tl.Columns, ", ")})
				} else {
					rows = append(rows, []string{tl.Name, strconv.Itoa(len(tl.Columns))})
				}
			}
			printTable(cmd.OutOrStdout(), header, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withColumns, "columns", false, "List column names instead of counts")
	return cmd
}
