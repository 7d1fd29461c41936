package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/dicewatch/internal/buildinfo"
	"github.com/modoterra/dicewatch/pkg/config"
	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/daemon/service"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
	tuimodel "github.com/modoterra/dicewatch/pkg/tui/model"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dicewatch",
	Short:         "Live dice roll recorder",
	Long:          "dicewatch follows a live dice game page, records every new roll to rotating CSV files and delivers closed files to Telegram.",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocket, "daemon socket path")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rollsCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	if _, err := os.Stat(socketPath); err != nil {
		return fmt.Errorf("daemon not running at %s (start it with `dicewatch daemon` or `dicewatch service install`)", socketPath)
	}
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// request performs one round trip and decodes the response into out.
func request(method string, data, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return client.Call(ctx, method, data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := request(uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintln(cmd.OutOrStdout(), "pong ✓")
		}
		return nil
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.StatusResponse
		if err := request(uds.MethodStatus, nil, &st); err != nil {
			return err
		}
		if statusJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func printStatus(w io.Writer, st uds.StatusResponse) {
	fmt.Fprintf(w, "%-12s %s\n", "version", st.Version)
	fmt.Fprintf(w, "%-12s %s\n", "url", st.URL)
	fmt.Fprintf(w, "%-12s %s (since %s)\n", "phase", st.Phase, st.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "%-12s %s\n", "sequencer", st.Sequencer)
	if st.Segment != nil {
		fmt.Fprintf(w, "%-12s %s (%d rows, opened %s)\n", "segment", st.Segment.Path, st.Segment.Rows, st.Segment.OpenedAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(w, "%-12s none\n", "segment")
	}
	fmt.Fprintf(w, "%-12s %s\n", "rotation", st.RotationInterval)
	if st.LastRoll != nil {
		fmt.Fprintf(w, "%-12s %s\n", "last roll", formatRoll(*st.LastRoll))
	}
	fmt.Fprintf(w, "%-12s %d\n", "rolls", st.Rolls)
	fmt.Fprintf(w, "%-12s %d (delivered %d, undelivered %d)\n", "rotations", st.Rotations, st.Deliveries, st.Undelivered)
}

func formatRoll(r core.RollEvent) string {
	return fmt.Sprintf("%s  %d %d  sum %-2d %s", r.Time.Local().Format(time.TimeOnly), r.Pair.First, r.Pair.Second, r.Sum, r.Class)
}

// --- Rolls ---

var (
	rollsLimit int
	rollsJSON  bool
)

var rollsCmd = &cobra.Command{
	Use:   "rolls",
	Short: "Show recent rolls recorded by the daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out uds.RecentRollsResponse
		if err := request(uds.MethodRecentRolls, uds.RecentRollsRequest{Limit: rollsLimit}, &out); err != nil {
			return err
		}
		if rollsJSON {
			return printJSON(cmd.OutOrStdout(), out.Rolls)
		}
		if len(out.Rolls) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no rolls yet")
			return nil
		}
		for _, r := range out.Rolls {
			fmt.Fprintln(cmd.OutOrStdout(), formatRoll(r))
		}
		return nil
	},
}

func init() {
	rollsCmd.Flags().IntVarP(&rollsLimit, "number", "n", 20, "number of rolls (0 = all retained)")
	rollsCmd.Flags().BoolVar(&rollsJSON, "json", false, "output as JSON")
}

// --- Segments ---

var segmentsDir string

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Inspect roll log segments on disk",
}

var segmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List segment files, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		files, err := rolllog.List(outputDir())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(files) == 0 {
			fmt.Fprintln(w, "no segments")
			return nil
		}
		fmt.Fprintf(w, "%-45s %-20s %s\n", "FILE", "OPENED", "BYTES")
		for _, f := range files {
			fmt.Fprintf(w, "%-45s %-20s %d\n", f.Name, f.OpenedAt.Format(time.DateTime), f.Size)
		}
		return nil
	},
}

var segmentsShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Decode a segment file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err != nil && filepath.Base(path) == path {
			path = filepath.Join(outputDir(), path)
		}
		rows, err := rolllog.ReadSegment(path)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-9s %-5s %-5s %-4s %s\n", "TIME", "DIE1", "DIE2", "SUM", "CLASS")
		for _, r := range rows {
			fmt.Fprintf(w, "%-9s %-5d %-5d %-4d %s\n", r.Clock, r.Pair.First, r.Pair.Second, r.Sum, r.Class)
		}
		fmt.Fprintf(w, "%d rolls\n", len(rows))
		return nil
	},
}

var tailFromStart bool

var segmentsTailCmd = &cobra.Command{
	Use:   "tail [file]",
	Short: "Follow rows as they are appended (default: newest segment)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) > 0 {
			path = args[0]
		} else {
			files, err := rolllog.List(outputDir())
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no segments in %s", outputDir())
			}
			path = files[len(files)-1].Path
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rows, err := rolllog.Follow(ctx, path, tailFromStart, 0)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "following %s\n", path)
		for r := range rows {
			fmt.Fprintf(w, "%-9s %d %d  sum %-2d %s\n", r.Clock, r.Pair.First, r.Pair.Second, r.Sum, r.Class)
		}
		return nil
	},
}

func init() {
	segmentsCmd.PersistentFlags().StringVar(&segmentsDir, "dir", "", "output directory (default: from dicewatch.yaml)")
	segmentsTailCmd.Flags().BoolVar(&tailFromStart, "from-start", false, "print existing rows first")
	segmentsCmd.AddCommand(segmentsListCmd)
	segmentsCmd.AddCommand(segmentsShowCmd)
	segmentsCmd.AddCommand(segmentsTailCmd)
}

func outputDir() string {
	if segmentsDir != "" {
		return segmentsDir
	}
	if cfg, err := config.Load(config.DefaultFile); err == nil {
		return cfg.OutputDir
	}
	return config.Default().OutputDir
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage dicewatch.yaml",
}

var (
	configInitOutput string
	configInitForce  bool
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default dicewatch.yaml",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configInitOutput
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		c := config.Default()
		if err := config.Save(c, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s with %d fingerprints and %d interstitials\n", path, len(c.Fingerprints), len(c.Interstitials))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a dicewatch.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if len(args) > 0 {
			path = args[0]
		}

		c, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(c)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d fingerprints)\n", path, len(c.Fingerprints))
			return nil
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(cmd.ErrOrStderr(), "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitOutput, "output", config.DefaultFile, "output file path")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// --- Service ---

var serviceConfig string

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the dicewatchd systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(cmd.Context(), serviceConfig); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "dicewatchd.service installed and started")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "dicewatchd.service removed")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service and socket state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(cmd.Context(), socketPath))
	},
}

func init() {
	serviceInstallCmd.Flags().StringVar(&serviceConfig, "config", config.DefaultFile, "config file the service runs with")
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dicewatch %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Daemon ---

var daemonConfig string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run dicewatchd in the foreground",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("dicewatchd", "--config", daemonConfig)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonConfig, "config", config.DefaultFile, "path to dicewatch.yaml")
}
