// Package cli implements the metl command-line client.
package cli

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"metl-sql/pkg/driver"
)

var (
	version = "dev"
	commit  = "none"
)

// options are the connection settings after flag, env and profile
// resolution, plus the seams the commands open connections through.
type options struct {
	host     string
	port     int
	user     string
	password string
	output   string
	profile  string

	open         func(dsn string) (*sql.DB, error)
	isTerminal   func() bool
	readPassword func() ([]byte, error)
}

func defaultOptions() *options {
	return &options{
		open:       func(dsn string) (*sql.DB, error) { return sql.Open(driver.DriverName, dsn) },
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		readPassword: func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		},
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd(defaultOptions())
	if err := rootCmd.Execute(); err != nil {
		if getOutputFormat(rootCmd) == "json" {
			_ = printJSON(os.Stdout, map[string]interface{}{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "metl",
		Short:         "Query the orchestration server's virtual SQL tables",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = emptyUserConfig()
			}
			p := cfg.ActiveProfile(opts.profile)

			// flag > env > profile > default
			resolve(cmd, "host", &opts.host, "METL_HOST", p.Host)
			resolve(cmd, "user", &opts.user, "METL_USER", p.User)
			resolve(cmd, "password", &opts.password, "METL_PASSWORD", p.Password)
			resolve(cmd, "output", &opts.output, "METL_OUTPUT", p.Output)
			if err := resolvePort(cmd, &opts.port, p.Port); err != nil {
				return err
			}
			return validateOutputFormat(opts.output)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.host, "host", "", "API host (default from server config, usually localhost)")
	flags.IntVar(&opts.port, "port", 0, "API HTTPS port (default from server config, usually 8443)")
	flags.StringVarP(&opts.user, "user", "u", "", "API user name")
	flags.StringVar(&opts.password, "password", "", "API password (prompted when omitted)")
	flags.StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	flags.StringVarP(&opts.profile, "profile", "p", "", "Config profile to use")

	rootCmd.AddCommand(newQueryCmd(opts))
	rootCmd.AddCommand(newTablesCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())
	return rootCmd
}

func resolve(cmd *cobra.Command, flag string, dst *string, env, profile string) {
	if cmd.Flags().Changed(flag) {
		return
	}
	if v := os.Getenv(env); v != "" {
		*dst = v
	} else if profile != "" {
		*dst = profile
	}
}

func resolvePort(cmd *cobra.Command, dst *int, profile int) error {
	if cmd.Flags().Changed("port") {
		return nil
	}
	if v := os.Getenv("METL_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("METL_PORT: invalid port %q", v)
		}
		*dst = n
	} else if profile != 0 {
		*dst = profile
	}
	return nil
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": version, "commit": commit})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "metl version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
