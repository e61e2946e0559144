package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rulejanitor/internal/config"
	"rulejanitor/internal/db"
	"rulejanitor/internal/engine"
	"rulejanitor/internal/events"
	"rulejanitor/internal/logger"
	"rulejanitor/internal/mgmt"
	"rulejanitor/internal/migrate"
	"rulejanitor/internal/report"
	"rulejanitor/internal/store"
	"rulejanitor/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "rj",
	Short: "Firewall access-rule hygiene",
	Long: `rulejanitor keeps a policy layer tidy: it finds enabled rules that
matched no traffic over the disable window, disables them with a dated audit
stamp, and deletes rules that have stayed disabled past the retention
threshold. All changes happen inside one management session and are either
published together or discarded together.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("RULEJANITOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "rulejanitor.yml", "config file path")
	pf.StringP("workspace", "w", ".", "workspace directory for the run-history database")
	pf.String("server", "", "management server host")
	pf.Int("port", 0, "management server port (default from config)")
	pf.String("user", "", "management API user")
	pf.String("password", "", "management API password (prefer RULEJANITOR_PASSWORD)")
	pf.String("layer", "", "access layer name")
	pf.Bool("insecure", true, "accept self-signed management certificates")
	pf.Bool("json", false, "output JSON instead of tables")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.BoolP("yes", "y", false, "non-interactive: answer yes to every confirmation")
	for _, name := range []string{"config", "workspace", "server", "port", "user", "password", "layer", "insecure", "json", "log-level", "yes"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func runCmd() *cobra.Command {
	var (
		dryRun       bool
		commit       bool
		skipDisable  bool
		skipDelete   bool
		disableAfter int
		deleteAfter  int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify and clean the layer inside one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("disable-after") {
				cfg.Windows.DisableAfterMonths = disableAfter
			}
			if cmd.Flags().Changed("delete-after") {
				cfg.Windows.DeleteAfterMonths = deleteAfter
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			user, password, err := credentials()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			defer log.Sync()

			st, closeStore, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeStore()

			e := newEngine(cfg, log, st)
			res, err := e.Run(cmd.Context(), engine.RunOptions{
				User:        user,
				Password:    password,
				DryRun:      dryRun,
				Commit:      commit,
				SkipDisable: skipDisable,
				SkipDelete:  skipDelete,
			})
			printRunResult(res)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify and report only, never mutate")
	cmd.Flags().BoolVar(&commit, "commit", false, "publish the session on success (default discards)")
	cmd.Flags().BoolVar(&skipDisable, "skip-disable", false, "skip the disable phase")
	cmd.Flags().BoolVar(&skipDelete, "skip-delete", false, "skip the delete phase")
	cmd.Flags().IntVar(&disableAfter, "disable-after", 0, "override disable window in months")
	cmd.Flags().IntVar(&deleteAfter, "delete-after", 0, "override delete threshold in months (0 disables deletion)")
	return cmd
}

func reportCmd() *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Fetch and classify without touching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			user, password, err := credentials()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			defer log.Sync()

			st, closeStore, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeStore()

			e := newEngine(cfg, log, st)
			res, err := e.Run(cmd.Context(), engine.RunOptions{
				User:     user,
				Password: password,
				Mode:     "report",
				DryRun:   true,
			})
			if err != nil {
				return err
			}
			if csvPath != "" {
				f, err := os.Create(csvPath)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := report.WriteCSV(f, res.Set); err != nil {
					return err
				}
				fmt.Printf("exported %d candidates to %s\n",
					len(res.Set.ToDisable)+len(res.Set.ToDelete), csvPath)
			}
			printRunResult(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "also export candidates to this CSV file")
	return cmd
}

func historyCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs from the local audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := openStore(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeStore()
			if runID != "" {
				rec, err := st.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return report.WriteJSON(os.Stdout, rec)
				}
				report.RenderRunDetail(os.Stdout, rec)
				return nil
			}
			runs, err := st.ListRuns(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return report.WriteJSON(os.Stdout, runs)
			}
			report.RenderHistory(os.Stdout, runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show one run's per-rule detail")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("rulejanitor", version.String())
		},
	}
}

// --- helpers ---

func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("server"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v := viper.GetString("layer"); v != "" {
		cfg.Policy.Layer = v
	}
	if cmd.Flags().Changed("insecure") || rootCmd.PersistentFlags().Changed("insecure") {
		cfg.Server.Insecure = viper.GetBool("insecure")
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, nil
}

func credentials() (user, password string, err error) {
	user = viper.GetString("user")
	password = viper.GetString("password")
	if user == "" {
		return "", "", fmt.Errorf("--user is required")
	}
	if password == "" {
		return "", "", fmt.Errorf("password required; set RULEJANITOR_PASSWORD or --password")
	}
	return user, password, nil
}

func newLogger(cfg *config.Config) logger.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Pretty)
}

func openStore(workspace string) (*store.Store, func(), error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	st := &store.Store{DB: conn, Events: events.Writer{}}
	return st, func() { conn.Close() }, nil
}

func newEngine(cfg *config.Config, log logger.Logger, st *store.Store) *engine.Engine {
	client := mgmt.NewClient(mgmt.Options{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		Insecure:           cfg.Server.Insecure,
		RequestTimeout:     cfg.Server.RequestTimeout.Std(),
		PageSize:           cfg.Fetch.PageSize,
		AuditField:         cfg.Policy.AuditField,
		PublishWaitTimeout: cfg.Publish.WaitTimeout.Std(),
		PublishPollTimer:   cfg.Publish.PollInterval.Std(),
		Logger:             log,
	})
	e := engine.New(client, cfg)
	e.Store = st
	e.Log = log
	if !viper.GetBool("yes") {
		e.Confirm = promptConfirm
	}
	return e
}

// promptConfirm asks on the terminal before each mutation phase. Anything
// but an explicit yes cancels the phase.
func promptConfirm(summary string) bool {
	fmt.Printf("%s? [y/N] ", summary)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printRunResult(res *engine.RunResult) {
	if res == nil {
		return
	}
	if viper.GetBool("json") {
		_ = report.WriteJSON(os.Stdout, res)
		return
	}
	fmt.Printf("run %s: fetched %d rules\n", res.ID, res.Fetched)
	report.RenderRules(os.Stdout, "Disable candidates (enabled, zero hits)", res.Set.ToDisable)
	report.RenderRules(os.Stdout, "Delete candidates (disabled past retention)", res.Set.ToDelete)
	report.RenderOutcome(os.Stdout, "disable", res.DisableOutcome, res.DisableSkipped)
	report.RenderOutcome(os.Stdout, "delete", res.DeleteOutcome, res.DeleteSkipped)
	fmt.Printf("decision: %s\n", res.Decision)
	if res.PublishTaskID != "" {
		fmt.Printf("publish task: %s\n", res.PublishTaskID)
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	if res.Err != nil {
		fmt.Printf("failure (%s): %v\n", res.ErrKind, res.Err)
	}
}
