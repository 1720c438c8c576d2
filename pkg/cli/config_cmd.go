package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage connection profiles",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetProfileCmd())
	cmd.AddCommand(newConfigUseProfileCmd())
	cmd.AddCommand(newConfigDeleteProfileCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the profile file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "No configuration found at %s\n", ConfigPath())
				return err
			}
			if !reveal {
				cfg = cfg.redacted()
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print stored passwords")
	return cmd
}

func newConfigSetProfileCmd() *cobra.Command {
	var (
		name   string
		update Profile
	)

	cmd := &cobra.Command{
		Use:   "set-profile",
		Short: "Create a profile or update the given fields of one",
		Example: `  metl config set-profile --name prod --host etl.internal --user admin
  metl config set-profile --name prod --port 9443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("output") {
				if err := validateOutputFormat(update.Output); err != nil {
					return err
				}
			}
			if flags.Changed("port") && (update.Port < 1 || update.Port > 65535) {
				return fmt.Errorf("invalid port %d", update.Port)
			}

			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = emptyUserConfig()
			}
			p := cfg.Profiles[name]
			for flag, apply := range map[string]func(){
				"host":     func() { p.Host = update.Host },
				"port":     func() { p.Port = update.Port },
				"user":     func() { p.User = update.User },
				"password": func() { p.Password = update.Password },
				"output":   func() { p.Output = update.Output },
			} {
				if flags.Changed(flag) {
					apply()
				}
			}
			cfg.Profiles[name] = p
			return saveAndReport(cmd, cfg, fmt.Sprintf("Profile %q saved to %s", name, ConfigPath()),
				map[string]string{"profile": name, "path": ConfigPath()})
		},
	}

	// Local flags shadow the persistent ones of the same name.
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Profile name")
	f.StringVar(&update.Host, "host", "", "Orchestration API host")
	f.IntVar(&update.Port, "port", 0, "Orchestration API HTTPS port")
	f.StringVar(&update.User, "user", "", "API user name")
	f.StringVar(&update.Password, "password", "", "API password, stored in clear text")
	f.StringVar(&update.Output, "output", "", "Default output format")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newConfigUseProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use-profile <name>",
		Short: "Make a profile the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithProfile(args[0])
			if err != nil {
				return err
			}
			cfg.CurrentProfile = args[0]
			return saveAndReport(cmd, cfg, fmt.Sprintf("Active profile set to %q", args[0]),
				map[string]string{"active_profile": args[0]})
		},
	}
}

func newConfigDeleteProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-profile <name>",
		Short: "Remove a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithProfile(args[0])
			if err != nil {
				return err
			}
			delete(cfg.Profiles, args[0])
			if cfg.CurrentProfile == args[0] {
				cfg.CurrentProfile = "default"
			}
			return saveAndReport(cmd, cfg, fmt.Sprintf("Profile %q deleted", args[0]),
				map[string]string{"deleted": args[0], "active_profile": cfg.CurrentProfile})
		},
	}
}

// loadWithProfile loads the profile file and checks that name exists in it.
func loadWithProfile(name string) (*UserConfig, error) {
	cfg, err := LoadUserConfig()
	if err != nil {
		return nil, fmt.Errorf("no config found: %w", err)
	}
	if _, ok := cfg.Profiles[name]; !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	return cfg, nil
}

func saveAndReport(cmd *cobra.Command, cfg *UserConfig, text string, fields map[string]string) error {
	if err := SaveUserConfig(cfg); err != nil {
		return err
	}
	if getOutputFormat(cmd) == "json" {
		fields["status"] = "ok"
		return printJSON(cmd.OutOrStdout(), fields)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
