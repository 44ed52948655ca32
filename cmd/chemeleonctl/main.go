package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"chemeleon/internal/logging"
	"chemeleon/internal/matcher"
	"chemeleon/internal/metrics"
	"chemeleon/internal/reward"
	"chemeleon/internal/storage"
	"chemeleon/pkg/chemeleon"
)

const (
	defaultDBPath       = "chemeleon.db"
	defaultRunsDir      = "runs"
	defaultExportsDir   = "exports"
	defaultPhaseDiagram = "mp-all"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetOut(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type app struct {
	configPath string
	storeKind  string
	dbPath     string
	runsDir    string
	exportsDir string
	logLevel   string
	logFormat  string

	cfg fileConfig
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chemeleonctl",
		Short:         "Evaluate generated crystal structures and manage chemeleon assets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.storeKind, "store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	pf.StringVar(&a.dbPath, "db-path", defaultDBPath, "sqlite database path")
	pf.StringVar(&a.runsDir, "runs-dir", defaultRunsDir, "evaluation artifacts directory")
	pf.StringVar(&a.exportsDir, "exports-dir", defaultExportsDir, "export destination directory")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&a.logFormat, "log-format", logging.FormatText, "log format: text|json")

	root.AddCommand(
		a.evaluateCmd(),
		a.rewardCmd(),
		a.runsCmd(),
		a.exportCmd(),
		a.datasetCmd(),
		a.phaseDiagramCmd(),
		a.checkpointCmd(),
		a.sampleCmd(),
	)
	return root
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	if a.configPath == "" {
		return nil
	}
	cfg, err := loadFileConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.storeKind = pickString(cmd, "store", a.storeKind, cfg.Store)
	a.dbPath = pickString(cmd, "db-path", a.dbPath, cfg.DBPath)
	a.runsDir = pickString(cmd, "runs-dir", a.runsDir, cfg.RunsDir)
	a.exportsDir = pickString(cmd, "exports-dir", a.exportsDir, cfg.ExportsDir)
	a.logLevel = pickString(cmd, "log-level", a.logLevel, cfg.Log.Level)
	a.logFormat = pickString(cmd, "log-format", a.logFormat, cfg.Log.Format)
	return nil
}

func (a *app) client(cmd *cobra.Command) (*chemeleon.Client, error) {
	logger, err := logging.New(logging.Config{Level: a.logLevel, Format: a.logFormat, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}
	return chemeleon.New(chemeleon.Options{
		StoreKind:  a.storeKind,
		DBPath:     a.dbPath,
		RunsDir:    a.runsDir,
		ExportsDir: a.exportsDir,
		Logger:     logger,
	})
}

func (a *app) evaluateCmd() *cobra.Command {
	var (
		runID            string
		metricNames      []string
		referenceDataset string
		referenceRoot    string
		referenceSplit   string
		phaseDiagram     string
		phaseDiagramPath string
		ltol             float64
		stol             float64
		angleTol         float64
		threshold        float64
		workers          int
		csvPath          string
	)
	cmd := &cobra.Command{
		Use:   "evaluate [cif files or directories...]",
		Short: "Compute validity, uniqueness, novelty and stability of generated structures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := a.cfg.Evaluate
			req := chemeleon.EvaluateRequest{
				RunID:               runID,
				StructurePaths:      args,
				Metrics:             pickSlice(cmd, "metrics", metricNames, ev.Metrics),
				ReferenceDataset:    pickString(cmd, "reference-dataset", referenceDataset, ev.ReferenceDataset),
				PhaseDiagram:        pickString(cmd, "phase-diagram", phaseDiagram, ev.PhaseDiagram),
				LengthTol:           pickFloat(cmd, "ltol", ltol, ev.Matcher.LengthTol),
				SiteTol:             pickFloat(cmd, "stol", stol, ev.Matcher.SiteTol),
				AngleTol:            pickFloat(cmd, "angle-tol", angleTol, ev.Matcher.AngleTol),
				MetastableThreshold: pickFloat(cmd, "metastable-threshold", threshold, ev.MetastableThreshold),
				Workers:             pickInt(cmd, "workers", workers, ev.Workers),
				CSVPath:             pickString(cmd, "csv", csvPath, ev.CSVPath),
			}
			referenceRoot = pickString(cmd, "reference-root", referenceRoot, ev.ReferenceRoot)
			referenceSplit = pickString(cmd, "reference-split", referenceSplit, ev.ReferenceSplit)
			phaseDiagramPath = pickString(cmd, "phase-diagram-path", phaseDiagramPath, ev.PhaseDiagramPath)

			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			ctx := cmd.Context()
			if referenceRoot != "" {
				if req.ReferenceDataset == "" {
					req.ReferenceDataset = metrics.DefaultReferenceDataset
				}
				if _, err := client.IngestDataset(ctx, chemeleon.IngestRequest{Root: referenceRoot, Split: referenceSplit, Name: req.ReferenceDataset}); err != nil {
					return err
				}
			}
			if phaseDiagramPath != "" {
				if req.PhaseDiagram == "" {
					req.PhaseDiagram = defaultPhaseDiagram
				}
				if _, err := client.ImportPhaseDiagram(ctx, chemeleon.PhaseDiagramRequest{Name: req.PhaseDiagram, Path: phaseDiagramPath}); err != nil {
					return err
				}
			}

			summary, err := client.Evaluate(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "evaluation completed run_id=%s\n", summary.RunID)
			row := summary.Record.Row()
			for i, col := range metrics.Columns() {
				if row[i] == "" || col == "run_id" {
					continue
				}
				fmt.Fprintf(out, "%s=%s\n", col, row[i])
			}
			fmt.Fprintf(out, "artifacts_dir=%s\n", summary.ArtifactsDir)
			return nil
		},
	}
	defaults := matcher.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run id (default: random uuid)")
	f.StringSliceVar(&metricNames, "metrics", nil, "metrics to compute (default: all)")
	f.StringVar(&referenceDataset, "reference-dataset", metrics.DefaultReferenceDataset, "stored reference set used for novelty")
	f.StringVar(&referenceRoot, "reference-root", "", "dataset root to ingest as the reference set before evaluating")
	f.StringVar(&referenceSplit, "reference-split", "train", "dataset split to ingest with --reference-root")
	f.StringVar(&phaseDiagram, "phase-diagram", "", "stored phase diagram used for stability")
	f.StringVar(&phaseDiagramPath, "phase-diagram-path", "", "JSON phase diagram entries to import before evaluating")
	f.Float64Var(&ltol, "ltol", defaults.LengthTol, "matcher fractional length tolerance")
	f.Float64Var(&stol, "stol", defaults.SiteTol, "matcher site tolerance")
	f.Float64Var(&angleTol, "angle-tol", defaults.AngleTol, "matcher angle tolerance in degrees")
	f.Float64Var(&threshold, "metastable-threshold", metrics.DefaultMetastableThreshold, "e_above_hull cutoff in eV/atom")
	f.IntVar(&workers, "workers", metrics.DefaultWorkers, "parallel novelty matching workers")
	f.StringVar(&csvPath, "csv", "", "append the metrics record to this CSV file")
	return cmd
}

func (a *app) rewardCmd() *cobra.Command {
	var (
		components   []string
		normalizeFn  string
		phaseDiagram string
	)
	cmd := &cobra.Command{
		Use:   "reward [cif files or directories...]",
		Short: "Score structures with the configured reward components",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Reward
			if cmd.Flags().Changed("components") || len(cfg.Components) == 0 {
				cfg.Components = make([]reward.Spec, 0, len(components))
				for _, name := range components {
					cfg.Components = append(cfg.Components, reward.Spec{Name: name})
				}
			}
			cfg.NormalizeFn = pickString(cmd, "normalize", normalizeFn, cfg.NormalizeFn)

			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Reward(cmd.Context(), chemeleon.RewardRequest{
				Config:         cfg,
				StructurePaths: args,
				PhaseDiagram:   pickString(cmd, "phase-diagram", phaseDiagram, a.cfg.Evaluate.PhaseDiagram),
			})
			if err != nil {
				return err
			}
			for i, id := range summary.IDs {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%s reward=%.6f\n", id, summary.Rewards[i])
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&components, "components", []string{"validity"}, "reward component names")
	f.StringVar(&normalizeFn, "normalize", "", "normalization: none|norm|std|subtract_mean|clip")
	f.StringVar(&phaseDiagram, "phase-diagram", "", "stored phase diagram for energy based rewards")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List evaluation runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			items, err := client.Runs(cmd.Context(), chemeleon.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s created_at=%s reference=%s phase_diagram=%s generated=%d valid=%d\n",
					item.RunID, item.CreatedAtUTC, item.ReferenceDataset, item.PhaseDiagram, item.NumGenerated, item.NumValid)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		runID  string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.Export(cmd.Context(), chemeleon.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", summary.RunID, filepath.Clean(summary.Directory))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run to export")
	f.BoolVar(&latest, "latest", false, "export the newest run")
	f.StringVar(&outDir, "out", "", "destination directory (default: --exports-dir)")
	return cmd
}

func (a *app) datasetCmd() *cobra.Command {
	var root, split, name string
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Store a dataset split as a reference set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.IngestDataset(cmd.Context(), chemeleon.IngestRequest{Root: root, Split: split, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested reference=%s structures=%d atoms=%d store=%s\n",
				summary.Name, summary.NumStructures, summary.NumAtoms, a.storeKind)
			return nil
		},
	}
	f := ingest.Flags()
	f.StringVar(&root, "root", "", "dataset root directory")
	f.StringVar(&split, "split", "train", "split name ({root}/{split}.csv)")
	f.StringVar(&name, "name", "", "reference set name (default: split)")

	cmd := &cobra.Command{Use: "dataset", Short: "Dataset commands"}
	cmd.AddCommand(ingest)
	return cmd
}

func (a *app) phaseDiagramCmd() *cobra.Command {
	var name, path string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Store phase diagram entries from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			n, err := client.ImportPhaseDiagram(cmd.Context(), chemeleon.PhaseDiagramRequest{Name: name, Path: path})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported phase_diagram=%s entries=%d store=%s\n", name, n, a.storeKind)
			return nil
		},
	}
	f := importCmd.Flags()
	f.StringVar(&name, "name", defaultPhaseDiagram, "phase diagram name")
	f.StringVar(&path, "path", "", "JSON array of entries")

	cmd := &cobra.Command{Use: "phase-diagram", Short: "Phase diagram commands"}
	cmd.AddCommand(importCmd)
	return cmd
}

func (a *app) checkpointCmd() *cobra.Command {
	var manifest, cacheDir string
	request := func(cmd *cobra.Command, name string) (chemeleon.CheckpointRequest, error) {
		req := chemeleon.CheckpointRequest{
			ManifestPath: pickString(cmd, "manifest", manifest, a.cfg.Checkpoint.Manifest),
			Name:         name,
			CacheDir:     pickString(cmd, "cache-dir", cacheDir, a.cfg.Checkpoint.CacheDir),
		}
		if req.ManifestPath == "" {
			return req, errors.New("checkpoint commands require --manifest")
		}
		return req, nil
	}

	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Resolve a checkpoint to a verified local file, downloading it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := request(cmd, args[0])
			if err != nil {
				return err
			}
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			path, err := client.ResolveCheckpoint(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List manifest checkpoints and their cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := request(cmd, "")
			if err != nil {
				return err
			}
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			items, err := client.Checkpoints(cmd.Context(), req)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "name=%s repo=%s hf_path=%s cached=%t path=%s\n",
					item.Name, item.Repo, item.HFPath, item.Cached, item.Path)
			}
			return nil
		},
	}

	cmd := &cobra.Command{Use: "checkpoint", Short: "Checkpoint manifest commands"}
	pf := cmd.PersistentFlags()
	pf.StringVar(&manifest, "manifest", "", "checkpoint manifest YAML")
	pf.StringVar(&cacheDir, "cache-dir", "", "override the manifest cache directory")
	cmd.AddCommand(get, list)
	return cmd
}

func (a *app) sampleCmd() *cobra.Command {
	var (
		distribution     string
		distributionFile string
		count            int
		seed             int64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Draw per-structure atom counts from a dataset distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			summary, err := client.SampleNumAtoms(cmd.Context(), chemeleon.SampleRequest{
				Distribution:     distribution,
				DistributionPath: distributionFile,
				Count:            count,
				Seed:             seed,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "distribution=%s count=%d num_nodes=%d\n", summary.Distribution, len(summary.NumAtoms), summary.NumNodes)
			fmt.Fprintf(cmd.OutOrStdout(), "num_atoms=%v\n", summary.NumAtoms)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&distribution, "distribution", "mp-20", "num-atom distribution name")
	f.StringVar(&distributionFile, "distribution-file", "", "YAML atom-count histogram; overrides --distribution")
	f.IntVar(&count, "count", 16, "number of structures")
	f.Int64Var(&seed, "seed", 1, "random seed")
	return cmd
}

func pickString(cmd *cobra.Command, name, flagValue, fileValue string) string {
	if cmd.Flags().Changed(name) || fileValue == "" {
		return flagValue
	}
	return fileValue
}

func pickFloat(cmd *cobra.Command, name string, flagValue, fileValue float64) float64 {
	if cmd.Flags().Changed(name) || fileValue == 0 {
		return flagValue
	}
	return fileValue
}

func pickInt(cmd *cobra.Command, name string, flagValue, fileValue int) int {
	if cmd.Flags().Changed(name) || fileValue == 0 {
		return flagValue
	}
	return fileValue
}

func pickSlice(cmd *cobra.Command, name string, flagValue, fileValue []string) []string {
	if cmd.Flags().Changed(name) || len(fileValue) == 0 {
		return flagValue
	}
	return fileValue
}
