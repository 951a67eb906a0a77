package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect ijec configuration. The config file is auto-discovered as ijec.yaml
or ijec.json in the working directory, then ijec/ijec.yaml under the user
config directory, unless --config is given.`,
		Example: `  ijec config show
  ijec config show --config ./ijec.json`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, including the
resolved session cache and history database locations. The app secret
is redacted.`,
		Example: `  ijec config show
  ijec config show --config /etc/ijec/ijec.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	cfg := *globalCfg
	if cfg.AppSecret != "" {
		cfg.AppSecret = "********"
	}
	cfg.CacheDir = cfg.SessionDir()
	cfg.History.DBPath = cfg.HistoryDBPath()

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	if cfgPath != "" {
		fmt.Printf("# loaded from %s\n", cfgPath)
	}
	fmt.Println(string(data))

	return nil
}
