package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "spamxpert",
		Short: "SpamXpert - honeypot and time-trap form protection",
		Long: `SpamXpert protects form submissions with disposable honeypot fields,
signed time traps and CSRF nonces, and keeps a log of blocked attempts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "spamxpert.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(serveCmd, logsCmd, configCmd)
	logsCmd.AddCommand(logsListCmd, logsExportCmd, logsPurgeCmd, logsDeleteCmd, logsClearCmd, logsStatsCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)

	logsListCmd.Flags().StringVar(&logsFormType, "form-type", "", "filter by form type")
	logsListCmd.Flags().StringVar(&logsIP, "ip", "", "filter by IP address")
	logsListCmd.Flags().StringVar(&logsFrom, "from", "", "first day (YYYY-MM-DD)")
	logsListCmd.Flags().StringVar(&logsTo, "to", "", "last day (YYYY-MM-DD)")
	logsListCmd.Flags().IntVar(&logsPage, "page", 1, "page number")
	logsListCmd.Flags().IntVar(&logsPerPage, "per-page", 20, "entries per page")

	logsExportCmd.Flags().StringVar(&logsFormType, "form-type", "", "filter by form type")
	logsExportCmd.Flags().StringVar(&logsIP, "ip", "", "filter by IP address")
	logsExportCmd.Flags().StringVar(&logsFrom, "from", "", "first day (YYYY-MM-DD)")
	logsExportCmd.Flags().StringVar(&logsTo, "to", "", "last day (YYYY-MM-DD)")
	logsExportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")

	logsPurgeCmd.Flags().IntVar(&purgeDays, "days", -1, "retention in days (default from config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withAttempts loads config and opens the attempt log for a one-shot command.
func withAttempts(cmd *cobra.Command, fn func(ctx context.Context, a *AttemptLogger, cfg *Config) error) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	settings := NewSettings(cfg.Options, "")
	store, attempts, err := openAttempts(ctx, cfg, settings, cfg.NewLogger())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, attempts, cfg)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return runServer(cfg, configPath)
	},
}

var (
	logsFormType string
	logsIP       string
	logsFrom     string
	logsTo       string
	logsPage     int
	logsPerPage  int
	exportOut    string
	purgeDays    int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect and maintain the blocked attempt log",
}

func cliFilter() (LogFilter, error) {
	from, err := parseDay(logsFrom)
	if err != nil {
		return LogFilter{}, fmt.Errorf("--from: %w", err)
	}
	to, err := parseDay(logsTo)
	if err != nil {
		return LogFilter{}, fmt.Errorf("--to: %w", err)
	}
	return LogFilter{FormType: logsFormType, IP: logsIP, DateFrom: from, DateTo: to}, nil
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked attempts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := cliFilter()
		if err != nil {
			return err
		}
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, _ *Config) error {
			q := DefaultLogQuery()
			q.LogFilter = f
			q.Page = logsPage
			q.PageSize = logsPerPage
			page, err := a.Query(ctx, q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return outputJSON(out, page)
			}
			for _, e := range page.Entries {
				fmt.Fprintf(out, "%6d  %s  %-20s %-15s %-22s %3d\n",
					e.ID, e.BlockedAt.Format(dbTimeLayout), e.FormType, e.IP, e.Reason, e.Score)
			}
			fmt.Fprintf(out, "page %d of %d (%d entries)\n", page.Page, page.Pages, page.Total)
			return nil
		})
	},
}

var logsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export blocked attempts as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := cliFilter()
		if err != nil {
			return err
		}
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, _ *Config) error {
			w := cmd.OutOrStdout()
			if exportOut != "" {
				file, err := os.Create(exportOut)
				if err != nil {
					return fmt.Errorf("create %s: %w", exportOut, err)
				}
				defer file.Close()
				w = file
			}
			return a.ExportCSV(ctx, w, f)
		})
	},
}

var logsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete attempts older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, cfg *Config) error {
			days := purgeDays
			if days < 0 {
				days = cfg.Options.LogRetentionDays
			}
			n, err := a.PurgeOlderThan(ctx, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries older than %d days\n", n, days)
			return nil
		})
	},
}

var logsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete attempts by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", arg)
			}
			ids = append(ids, id)
		}
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, _ *Config) error {
			n, err := a.Delete(ctx, ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		})
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every attempt",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, _ *Config) error {
			n, err := a.ClearAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
			return nil
		})
	},
}

var logsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blocked attempt statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAttempts(cmd, func(ctx context.Context, a *AttemptLogger, _ *Config) error {
			st, err := a.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return outputJSON(out, st)
			}
			printStats(out, st)
			return nil
		})
	},
}

func printStats(w io.Writer, st *LogStats) {
	heading := color.New(color.FgCyan, color.Bold)
	heading.Fprintln(w, "Blocked attempts")
	fmt.Fprintf(w, "  total: %s  today: %s  last 7 days: %s\n",
		color.YellowString("%d", st.Total), color.YellowString("%d", st.Today), color.YellowString("%d", st.LastWeek))

	sections := []struct {
		title  string
		counts []Count
	}{
		{"Top IPs", st.TopIPs},
		{"By form type", st.ByFormType},
		{"By reason", st.ByReason},
		{"By day (30 days)", st.ByDay},
		{"By week (12 weeks)", st.ByWeek},
	}
	for _, s := range sections {
		heading.Fprintln(w, s.title)
		if len(s.counts) == 0 {
			fmt.Fprintln(w, "  -")
		}
		for _, c := range s.counts {
			fmt.Fprintf(w, "  %-24s %s\n", c.Key, color.GreenString("%d", c.Count))
		}
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change protection settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective protection settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), cfg.Options)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the config file",
	Long:  "Change one setting in the config file. Keys: " + strings.Join(SettingKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		settings := NewSettings(cfg.Options, configPath)
		if err := settings.Set(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}
