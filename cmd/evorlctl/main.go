package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"evorl/internal/config"
	"evorl/internal/metrics"
	"evorl/internal/storage"
	"evorl/pkg/evorl"
)

const defaultDBPath = "evorl.db"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "population":
		return runPopulation(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "fitness":
		return runFitness(ctx, args[1:])
	case "diagnostics":
		return runDiagnostics(ctx, args[1:])
	case "inspect":
		return runInspect(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML run config")
	storeKind := fs.String("store", storage.KindMemory, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	runID := fs.String("run-id", "", "run id (derived from seed when empty)")
	resume := fs.String("resume", "", "continue from the latest population of this run id")
	scapeName := fs.String("scape", "", "scape name: regression|multi_input")
	pop := fs.Int("pop", 0, "population size")
	gens := fs.Int("gens", 0, "generations")
	seed := fs.Int64("seed", 0, "random seed")
	workers := fs.Int("workers", 0, "evaluation workers")
	target := fs.Float64("target", 0, "stop once best fitness reaches this value")
	noTrain := fs.Bool("no-train", false, "skip the training phase")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address during the run")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["run-id"] {
		cfg.RunID = *runID
	}
	if set["scape"] {
		if *scapeName != cfg.Scape && len(cfg.Networks) == 1 {
			cfg.Networks[0].Encoder = config.DefaultEncoder(*scapeName)
		}
		cfg.Scape = *scapeName
	}
	if set["pop"] {
		cfg.Population = *pop
	}
	if set["gens"] {
		cfg.Generations = *gens
	}
	if set["seed"] {
		cfg.Seed = *seed
	}
	if set["workers"] {
		cfg.Workers = *workers
	}
	if set["target"] {
		cfg.TargetFitness = target
	}
	if *noTrain {
		cfg.Train = false
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = *metricsAddr
	}
	if set["store"] || cfg.Store.Kind == "" {
		cfg.Store.Kind = *storeKind
	}
	if set["db-path"] || cfg.Store.Path == "" {
		cfg.Store.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		return err
	}
	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheus()
		stop, err := serveMetrics(cfg.MetricsAddr, prom.Handler(), logger)
		if err != nil {
			return err
		}
		defer stop()
		recorder = prom
	}

	client, err := evorl.New(evorl.Options{
		StoreKind: cfg.Store.Kind,
		DBPath:    cfg.Store.Path,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, evorl.RunRequest{Config: cfg, ResumeRunID: *resume})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(summary)
	}

	fmt.Printf("run completed run_id=%s scape=%s generations=%d final_best=%.6f best_id=%s\n",
		summary.RunID,
		cfg.Scape,
		summary.Generations,
		summary.FinalBestFitness,
		summary.BestIndividualID,
	)
	printPopulation(summary.Population)
	return nil
}

func runPopulation(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("population", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	generation := fs.Int("generation", 0, "persisted generation (0 for latest)")
	jsonOut := fs.Bool("json", false, "emit population as JSON")
	storeKind := fs.String("store", storage.KindSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("population requires --run-id")
	}

	client, err := evorl.New(evorl.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	population, err := client.Population(ctx, evorl.PopulationRequest{RunID: *runID, Generation: *generation})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(population)
	}
	printPopulation(population)
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	limit := fs.Int("limit", 50, "max lineage rows to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit lineage rows as JSON")
	storeKind := fs.String("store", storage.KindSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("lineage requires --run-id")
	}

	client, err := evorl.New(evorl.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	lineage, err := client.Lineage(ctx, evorl.LineageRequest{RunID: *runID, Limit: max(*limit, 0)})
	if err != nil {
		return err
	}
	if len(lineage) == 0 {
		fmt.Println("no lineage records")
		return nil
	}
	if *jsonOut {
		return writeJSON(lineage)
	}

	for _, rec := range lineage {
		fmt.Printf("gen=%d id=%s index=%d parent_id=%s parent_index=%d op=%s fitness=%.6f",
			rec.Generation,
			rec.IndividualID,
			rec.Index,
			rec.ParentID,
			rec.ParentIndex,
			rec.Operation,
			rec.Fitness,
		)
		if rec.Mutation != "" {
			fmt.Printf(" mutation=%q", rec.Mutation)
		}
		fmt.Println()
	}
	return nil
}

func runFitness(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fitness", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	jsonOut := fs.Bool("json", false, "emit fitness history as JSON")
	storeKind := fs.String("store", storage.KindSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("fitness requires --run-id")
	}

	client, err := evorl.New(evorl.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.FitnessHistory(ctx, *runID)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(history)
	}
	for i, best := range history {
		fmt.Printf("generation=%d best_fitness=%.6f\n", i, best)
	}
	return nil
}

func runDiagnostics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	limit := fs.Int("limit", 50, "max generations to print (<=0 for all)")
	jsonOut := fs.Bool("json", false, "emit diagnostics as JSON")
	storeKind := fs.String("store", storage.KindSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("diagnostics requires --run-id")
	}

	client, err := evorl.New(evorl.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	diagnostics, err := client.Diagnostics(ctx, evorl.DiagnosticsRequest{RunID: *runID, Limit: max(*limit, 0)})
	if err != nil {
		return err
	}
	if len(diagnostics) == 0 {
		fmt.Println("no diagnostics")
		return nil
	}
	if *jsonOut {
		return writeJSON(diagnostics)
	}

	for _, d := range diagnostics {
		fmt.Printf("generation=%d best=%.6f mean=%.6f min=%.6f std=%.6f best_id=%s mean_params=%s noop_mutations=%d mutations=%s elapsed=%s\n",
			d.Generation,
			d.BestFitness,
			d.MeanFitness,
			d.MinFitness,
			d.StdFitness,
			d.BestIndividualID,
			humanize.Comma(int64(d.MeanParameters)),
			d.NoOpMutations,
			formatCounts(d.Mutations),
			time.Duration(d.ElapsedMillis)*time.Millisecond,
		)
	}
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	id := fs.String("id", "", "individual id")
	jsonOut := fs.Bool("json", false, "emit inspection as JSON")
	storeKind := fs.String("store", storage.KindSQLite, "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("inspect requires --id")
	}

	client, err := evorl.New(evorl.Options{StoreKind: *storeKind, DBPath: *dbPath})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	out, err := client.Inspect(ctx, *id)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(out)
	}

	fmt.Printf("id=%s run_id=%s generation=%d algorithm=%s steps=%s hyperparameters=%s\n",
		out.ID,
		out.RunID,
		out.Generation,
		out.Algorithm,
		humanize.Comma(int64(out.Steps)),
		formatFloats(out.Hyperparameters),
	)
	for _, rec := range out.LastMutation {
		fmt.Printf("last_mutation category=%s operation=%q target=%s noop=%t\n", rec.Category, rec.Operation, rec.Target, rec.NoOp)
	}
	for _, n := range out.Networks {
		methods := make([]string, len(n.Methods))
		for i, m := range n.Methods {
			methods[i] = m.Name
		}
		fmt.Printf("network=%s arch=%q params=%s target=%t\n", n.Name, n.Summary, humanize.Comma(int64(n.Parameters)), n.HasTarget)
		fmt.Printf("  methods=%s\n", strings.Join(methods, ","))
		fmt.Printf("  descriptor=%s\n", n.Descriptor)
	}
	return nil
}

func printPopulation(population []evorl.IndividualSummary) {
	for _, ind := range population {
		archs := make([]string, 0, len(ind.Architectures))
		for _, name := range sortedKeys(ind.Architectures) {
			archs = append(archs, name+"="+ind.Architectures[name])
		}
		fmt.Printf("index=%d id=%s fitness=%.6f params=%s steps=%s hp=%s arch=%q",
			ind.Index,
			ind.ID,
			ind.Fitness,
			humanize.Comma(int64(ind.Parameters)),
			humanize.Comma(int64(ind.Steps)),
			formatFloats(ind.Hyperparameters),
			strings.Join(archs, "; "),
		)
		if ind.LastMutation != "" {
			fmt.Printf(" mutation=%q", ind.LastMutation)
		}
		fmt.Println()
	}
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: evorlctl <run|population|lineage|fitness|diagnostics|inspect> [flags]", msg)
}
