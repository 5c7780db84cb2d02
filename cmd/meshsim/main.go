package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/profile"
	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/experiment"
	"github.com/san-kum/meshsim/internal/integrators"
	"github.com/san-kum/meshsim/internal/invert"
	"github.com/san-kum/meshsim/internal/storage"
	"github.com/san-kum/meshsim/internal/viz"
	"github.com/spf13/cobra"
)

var (
	dataDir     string
	verbose     bool
	profileMode string
	configFile  string
	preset      string
	nout        int
	timestep    float64
	nprocs      int
	overrides   []string
	noSave      bool
	columns     []string
	outFile     string

	profiler interface{ Stop() }
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshsim",
		Short: "implicit time integration of mesh field models",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(os.Stderr)
			return startProfile()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if profiler != nil {
				profiler.Stop()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "~/.meshsim", "data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&profileMode, "profile", "", "write a cpu or mem profile to the data directory")

	runCmd := &cobra.Command{
		Use:   "run [model]",
		Short: "run a simulation and store its diagnostics",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulation,
	}
	addConfigFlags(runCmd)
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the run")

	liveCmd := &cobra.Command{
		Use:   "live [model]",
		Short: "run a simulation with a live terminal view",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLive,
	}
	addConfigFlags(liveCmd)

	listCmd := &cobra.Command{
		Use:       "list [runs|models|presets|backends|inverters]",
		Short:     "list stored runs or available components",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"runs", "models", "presets", "backends", "inverters"},
		RunE:      list,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "show a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot diagnostics columns of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringSliceVar(&columns, "column", nil, "columns to plot (default: every field mean)")

	configCmd := &cobra.Command{
		Use:   "config [model]",
		Short: "write the resolved input file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  writeConfig,
	}
	addConfigFlags(configCmd)
	configCmd.Flags().StringVarP(&outFile, "output", "o", "meshsim.yaml", "output path")

	rootCmd.AddCommand(runCmd, liveCmd, listCmd, showCmd, plotCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "input file (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use a preset input file")
	cmd.Flags().IntVar(&nout, "nout", config.DefaultNOut, "number of outputs")
	cmd.Flags().Float64Var(&timestep, "timestep", config.DefaultTimeStep, "time between outputs")
	cmd.Flags().IntVarP(&nprocs, "nprocs", "n", config.DefaultNProcs, "number of ranks")
	cmd.Flags().StringArrayVar(&overrides, "set", nil, "override an option, e.g. solver:rtol=1e-6")
}

func setupLogging(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func dataPath() (string, error) {
	return homedir.Expand(dataDir)
}

func startProfile() error {
	if profileMode == "" {
		return nil
	}
	dir, err := dataPath()
	if err != nil {
		return err
	}
	opts := []func(*profile.Profile){profile.ProfilePath(dir), profile.NoShutdownHook}
	switch profileMode {
	case "cpu":
		opts = append(opts, profile.CPUProfile)
	case "mem":
		opts = append(opts, profile.MemProfile)
	default:
		return fmt.Errorf("unknown profile mode: %s (use cpu or mem)", profileMode)
	}
	profiler = profile.Start(opts...)
	return nil
}

// loadConfig resolves the input: a preset or file first, then the model
// argument, then flags and --set overrides.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	model := ""
	if len(args) > 0 {
		model = args[0]
	}

	var cfg *config.Config
	var err error
	switch {
	case preset != "":
		if model == "" {
			model = config.DefaultModel
		}
		cfg, err = config.GetPreset(model, preset)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(model))
		}
	case configFile != "":
		cfg, err = config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	default:
		cfg = config.DefaultConfig()
	}
	if model != "" {
		cfg.Model = model
	}

	if cmd.Flags().Changed("nout") {
		cfg.NOut = nout
	}
	if cmd.Flags().Changed("timestep") {
		cfg.TimeStep = timestep
	}
	if cmd.Flags().Changed("nprocs") {
		cfg.NProcs = nprocs
	}
	for _, o := range overrides {
		if err := applyOverride(cfg.Options, o); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	invert.DefaultRegistry().SetRoot(cfg.Options)
	return cfg, nil
}

// applyOverride sets "section:sub:key=value" in opts. The value stays a
// string and is coerced when read.
func applyOverride(opts *config.Options, o string) error {
	path, value, ok := strings.Cut(o, "=")
	if !ok || path == "" {
		return fmt.Errorf("bad override %q, want section:key=value", o)
	}
	parts := strings.Split(path, ":")
	sec := opts
	for _, p := range parts[:len(parts)-1] {
		sec = sec.Section(p)
	}
	sec.Set(parts[len(parts)-1], value)
	return nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e := experiment.New(cfg, nil, slog.Default())
	e.OnOutput(func(o experiment.Output) {
		slog.Info("output", "iteration", o.Iteration, "time", o.Time, "steps", o.Diagnostics.NSteps)
	})
	if err := e.Setup(); err != nil {
		return err
	}
	res, err := e.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(viz.Title.Render(cfg.Model))
	fmt.Println(viz.GlassPanel.Render(viz.DiagnosticsTable(res.Final)))
	if len(res.Outputs) > 0 {
		fmt.Println(viz.GlassPanel.Render(viz.FieldTable(res.Outputs[len(res.Outputs)-1].Fields)))
	}

	if noSave {
		return nil
	}
	dir, err := dataPath()
	if err != nil {
		return err
	}
	st := storage.New(dir)
	if err := st.Init(); err != nil {
		return err
	}
	id, err := st.Save(storage.RunMetadata{
		Model:    cfg.Model,
		Preset:   preset,
		NOut:     cfg.NOut,
		TimeStep: cfg.TimeStep,
		NProcs:   cfg.NProcs,
	}, res)
	if err != nil {
		return err
	}
	fmt.Printf("saved run %s\n", id)
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	// The view owns the terminal.
	if !verbose {
		setupLogging(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := experiment.New(cfg, nil, slog.Default())
	events := viz.Watch(ctx, e)
	if err := e.Setup(); err != nil {
		return err
	}
	go func() {
		res, err := e.Run(ctx)
		select {
		case events <- viz.DoneMsg{Result: res, Err: err}:
		case <-ctx.Done():
		}
	}()

	m := viz.NewLive(cfg.Model, float64(cfg.NOut)*cfg.TimeStep, events, cancel)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	if live, ok := final.(viz.Live); ok && live.Err() != nil {
		return live.Err()
	}
	return nil
}

func list(cmd *cobra.Command, args []string) error {
	what := "runs"
	if len(args) > 0 {
		what = args[0]
	}
	reg := experiment.NewRegistry(nil)

	switch what {
	case "runs":
		return listRuns()
	case "models":
		for _, m := range reg.ListModels() {
			fmt.Println(m)
		}
	case "presets":
		for _, m := range reg.ListModels() {
			fmt.Printf("%s: %s\n", m, strings.Join(config.ListPresets(m), ", "))
		}
	case "backends":
		for _, v := range integrators.Versions() {
			marker := ""
			if v == integrators.DefaultVersion {
				marker = " (default)"
			}
			fmt.Println(v + marker)
		}
	case "inverters":
		for _, name := range reg.Inverters().List() {
			fmt.Println(name)
		}
	default:
		return fmt.Errorf("unknown list target: %s", what)
	}
	return nil
}

func listRuns() error {
	dir, err := dataPath()
	if err != nil {
		return err
	}
	runs, err := storage.New(dir).List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTIME\tNOUT\tTIMESTEP\tNPROCS\tSTEPS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%g\t%d\t%d\n",
			run.ID,
			run.Model,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.NOut,
			run.TimeStep,
			run.NProcs,
			run.Diagnostics.NSteps,
		)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	dir, err := dataPath()
	if err != nil {
		return err
	}
	meta, err := storage.New(dir).Load(args[0])
	if err != nil {
		return err
	}

	fmt.Println(viz.HeaderStyle.Render(meta.ID))
	fmt.Printf("model: %s  preset: %s  nprocs: %d\n", meta.Model, meta.Preset, meta.NProcs)
	fmt.Printf("outputs: %d x %g  size: %d local, %d global\n", meta.NOut, meta.TimeStep, meta.LocalSize, meta.GlobalSize)
	fmt.Printf("fields: %s\n\n", strings.Join(meta.Fields, ", "))
	fmt.Println(viz.GlassPanel.Render(viz.DiagnosticsTable(meta.Diagnostics)))
	return nil
}

func plotRun(cmd *cobra.Command, args []string) error {
	dir, err := dataPath()
	if err != nil {
		return err
	}
	series, err := storage.New(dir).LoadSeries(args[0])
	if err != nil {
		return err
	}
	if len(series.Rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	cols := columns
	if len(cols) == 0 {
		for _, c := range series.Columns {
			if strings.HasSuffix(c, "_mean") {
				cols = append(cols, c)
			}
		}
		sort.Strings(cols)
	}
	for _, c := range cols {
		data := series.Column(c)
		if data == nil {
			return fmt.Errorf("unknown column: %s (available: %v)", c, series.Columns)
		}
		graph, err := viz.Plot(data, c, 80, 10)
		if err != nil {
			return err
		}
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func writeConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := config.Save(outFile, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", outFile)
	return nil
}
