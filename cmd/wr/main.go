package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"warroom/internal/app"
	"warroom/internal/config"
	"warroom/internal/db"
)

var rootCmd = &cobra.Command{
	Use:   "wr",
	Short: "War Room CLI",
	Long: `War Room runs a legal case through a panel of AI agents and records every step.
Core concepts:
- Case: facts, jurisdiction and stakes submitted once; the workflow moves it created -> strategizing -> researching -> deliberating -> detecting_conflicts -> synthesizing -> complete (failed is the exit).
- Agents: the lead strategist frames the case, the researcher adds precedent, the opposing counsel attacks, the lead strategist rebuts, and the synthesis writes the strategy.
- Rounds: each deliberation round is one attack and one rebuttal; set per case or in warroom.yml.
- Conflicts: disagreements between agents, detected after deliberation and marked resolved when the strategy addresses them.
- Ledger: append-only SQLite record under .warroom/ with a per-case event log; 'wr case events' prints it.
- Server: 'wr serve' exposes the same operations over HTTP with live SSE streams.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WARROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to warroom.yml in the workspace)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "", "War Room API URL; run against the local workspace when empty")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if level := strings.TrimSpace(viper.GetString("log-level")); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	env, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, LogOutput: os.Stderr})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// convert copies between the ledger records and their API shapes, which share
// JSON field names.
func convert(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
