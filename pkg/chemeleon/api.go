package chemeleon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"chemeleon/internal/checkpoint"
	"chemeleon/internal/crystal"
	"chemeleon/internal/dataset"
	"chemeleon/internal/logging"
	"chemeleon/internal/matcher"
	"chemeleon/internal/metrics"
	"chemeleon/internal/model"
	"chemeleon/internal/numatoms"
	"chemeleon/internal/phasediagram"
	"chemeleon/internal/report"
	"chemeleon/internal/reward"
	"chemeleon/internal/storage"
	"chemeleon/internal/structure"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "chemeleon.db"
)

var ErrNotFound = errors.New("not found")

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type Client struct {
	store storage.Store

	runsDir    string
	exportsDir string
	logger     *slog.Logger
	registerer prometheus.Registerer
}

type EvaluateRequest struct {
	RunID string
	// Structures are evaluated first, followed by the CIF files named in
	// StructurePaths. A directory path contributes every *.cif file in it.
	Structures     []structure.Structure
	StructurePaths []string

	Metrics             []string
	ReferenceDataset    string
	PhaseDiagram        string
	Predictor           metrics.EnergyPredictor
	LengthTol           float64
	SiteTol             float64
	AngleTol            float64
	MetastableThreshold float64
	Workers             int
	// CSVPath, when set, receives the record as one appended CSV row.
	CSVPath string
}

type EvaluateSummary struct {
	RunID        string
	ArtifactsDir string
	Record       metrics.Record
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	ReferenceDataset string
	PhaseDiagram     string
	NumGenerated     int
	NumValid         int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type IngestRequest struct {
	Root  string
	Split string
	// Name is the reference set name. Empty uses the split name.
	Name string
}

type IngestSummary struct {
	Name          string
	NumStructures int
	NumAtoms      int
}

type PhaseDiagramRequest struct {
	Name string
	Path string
}

// SampleRequest draws Count atom counts. DistributionPath, when set, loads
// the histogram from a YAML file instead of the built-in table.
type SampleRequest struct {
	Distribution     string
	DistributionPath string
	Count            int
	Seed             int64
}

type SampleSummary struct {
	Distribution string
	NumAtoms     []int
	NumNodes     int
}

type CheckpointRequest struct {
	ManifestPath string
	Name         string
	// CacheDir overrides the manifest cache directory.
	CacheDir string
	Fetcher  checkpoint.Fetcher
}

type CheckpointItem struct {
	Name   string
	Repo   string
	HFPath string
	Path   string
	Cached bool
}

type RewardRequest struct {
	Config         reward.Config
	Structures     []structure.Structure
	StructurePaths []string
	PhaseDiagram   string
	Predictor      metrics.EnergyPredictor
	Workers        int
}

type RewardSummary struct {
	IDs     []string
	Rewards []float64
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		logger:     logging.OrDiscard(opts.Logger),
		registerer: opts.Registerer,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateSummary, error) {
	if err := c.store.Init(ctx); err != nil {
		return EvaluateSummary{}, err
	}
	structures, ids, err := gatherStructures(req.Structures, req.StructurePaths)
	if err != nil {
		return EvaluateSummary{}, err
	}
	if len(structures) == 0 {
		return EvaluateSummary{}, errors.New("evaluate requires at least one structure")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.ReferenceDataset == "" {
		req.ReferenceDataset = metrics.DefaultReferenceDataset
	}
	if req.Workers <= 0 {
		req.Workers = metrics.DefaultWorkers
	}

	selected := req.Metrics
	if len(selected) == 0 {
		selected = metrics.Known()
	}
	var reference []structure.Structure
	if containsMetric(selected, metrics.MetricNovelty) {
		reference, err = c.loadReference(ctx, req.ReferenceDataset)
		if err != nil {
			return EvaluateSummary{}, err
		}
	}
	pd, err := c.loadPhaseDiagram(ctx, req.PhaseDiagram)
	if err != nil {
		return EvaluateSummary{}, err
	}

	engine, err := metrics.New(metrics.Config{
		Metrics:             req.Metrics,
		RunID:               req.RunID,
		ReferenceDataset:    req.ReferenceDataset,
		Reference:           reference,
		PhaseDiagram:        pd,
		Predictor:           req.Predictor,
		Matcher:             matcher.Config{LengthTol: req.LengthTol, SiteTol: req.SiteTol, AngleTol: req.AngleTol},
		MetastableThreshold: req.MetastableThreshold,
		Workers:             req.Workers,
		Logger:              c.logger,
		Registerer:          c.registerer,
	})
	if err != nil {
		return EvaluateSummary{}, err
	}
	if pd != nil && req.Predictor == nil && containsMetric(selected, metrics.MetricStability) {
		c.logger.Warn("stability skipped: no energy predictor", "run_id", req.RunID)
	}
	if _, err := engine.Compute(ctx, structures); err != nil {
		return EvaluateSummary{}, err
	}
	record := engine.Record()

	now := time.Now().UTC()
	mcfg := matcher.New(matcher.Config{LengthTol: req.LengthTol, SiteTol: req.SiteTol, AngleTol: req.AngleTol}).Config()
	runDir, err := report.WriteRunArtifacts(c.runsDir, report.RunArtifacts{
		Config: report.RunConfig{
			RunID:               req.RunID,
			StructurePath:       strings.Join(req.StructurePaths, ","),
			ReferenceDataset:    req.ReferenceDataset,
			PhaseDiagram:        req.PhaseDiagram,
			Metrics:             engine.Metrics(),
			LengthTol:           mcfg.LengthTol,
			SiteTol:             mcfg.SiteTol,
			AngleTol:            mcfg.AngleTol,
			MetastableThreshold: thresholdOrDefault(req.MetastableThreshold),
			Workers:             req.Workers,
		},
		Record:  record,
		Samples: sampleArtifacts(ids, engine.Samples()),
	})
	if err != nil {
		return EvaluateSummary{}, err
	}
	if err := report.AppendRunIndex(c.runsDir, report.RunIndexEntry{
		RunID:            req.RunID,
		ReferenceDataset: req.ReferenceDataset,
		PhaseDiagram:     req.PhaseDiagram,
		NumGenerated:     record.NumGenerated,
		NumValid:         record.NumValid,
		CreatedAtUTC:     now.Format(time.RFC3339Nano),
	}); err != nil {
		return EvaluateSummary{}, err
	}
	if err := c.store.SaveEvaluation(ctx, model.EvaluationRun{
		VersionedRecord:  storage.CurrentVersion(),
		RunID:            req.RunID,
		CreatedAtUTC:     now.Format(time.RFC3339Nano),
		ReferenceDataset: req.ReferenceDataset,
		PhaseDiagram:     req.PhaseDiagram,
		NumGenerated:     record.NumGenerated,
		NumValid:         record.NumValid,
		Metrics:          recordMetrics(record),
	}); err != nil {
		return EvaluateSummary{}, err
	}
	if req.CSVPath != "" {
		if err := record.ToCSV(req.CSVPath); err != nil {
			return EvaluateSummary{}, err
		}
	}

	c.logger.Info("evaluation finished", "run_id", req.RunID, "generated", record.NumGenerated, "valid", record.NumValid)
	return EvaluateSummary{RunID: req.RunID, ArtifactsDir: filepath.Clean(runDir), Record: record}, nil
}

// Run returns the stored summary of one evaluation.
func (c *Client) Run(ctx context.Context, runID string) (model.EvaluationRun, error) {
	if err := c.store.Init(ctx); err != nil {
		return model.EvaluationRun{}, err
	}
	run, ok, err := c.store.GetEvaluation(ctx, runID)
	if err != nil {
		return model.EvaluationRun{}, err
	}
	if !ok {
		return model.EvaluationRun{}, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return run, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := report.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			ReferenceDataset: e.ReferenceDataset,
			PhaseDiagram:     e.PhaseDiagram,
			NumGenerated:     e.NumGenerated,
			NumValid:         e.NumValid,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := report.ListRunIndex(c.runsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := report.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// IngestDataset stores a dataset split as a named reference set for novelty.
func (c *Client) IngestDataset(ctx context.Context, req IngestRequest) (IngestSummary, error) {
	if req.Root == "" || req.Split == "" {
		return IngestSummary{}, errors.New("ingest requires dataset root and split")
	}
	if req.Name == "" {
		req.Name = req.Split
	}
	if err := c.store.Init(ctx); err != nil {
		return IngestSummary{}, err
	}
	records, err := dataset.ReadSplit(req.Root, req.Split)
	if err != nil {
		return IngestSummary{}, err
	}
	batch, err := dataset.Build(records, dataset.BuildOptions{Logger: c.logger})
	if err != nil {
		return IngestSummary{}, err
	}
	structures, errs := crystal.ToStructures(batch)
	set := model.ReferenceSet{
		VersionedRecord: storage.CurrentVersion(),
		Name:            req.Name,
		Structures:      make([]model.StructureRecord, 0, len(structures)),
	}
	for i, s := range structures {
		if errs[i] != nil {
			return IngestSummary{}, fmt.Errorf("material %s: %w", batch.IDs[i], errs[i])
		}
		set.Structures = append(set.Structures, model.NewStructureRecord(batch.IDs[i], s))
	}
	if err := c.store.SaveReferenceSet(ctx, set); err != nil {
		return IngestSummary{}, err
	}
	return IngestSummary{Name: req.Name, NumStructures: batch.NumGraphs(), NumAtoms: batch.NumNodes()}, nil
}

// ImportPhaseDiagram validates a JSON entry list and stores it under Name.
func (c *Client) ImportPhaseDiagram(ctx context.Context, req PhaseDiagramRequest) (int, error) {
	if req.Name == "" || req.Path == "" {
		return 0, errors.New("phase diagram import requires name and path")
	}
	if err := c.store.Init(ctx); err != nil {
		return 0, err
	}
	pd, err := phasediagram.LoadJSON(req.Name, req.Path)
	if err != nil {
		return 0, err
	}
	entries := pd.Entries()
	if err := c.store.SavePhaseDiagram(ctx, model.PhaseDiagramSet{
		VersionedRecord: storage.CurrentVersion(),
		Name:            req.Name,
		Entries:         entries,
	}); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SampleNumAtoms draws atom counts and checks they form a valid empty batch.
func (c *Client) SampleNumAtoms(_ context.Context, req SampleRequest) (SampleSummary, error) {
	if req.Count <= 0 {
		return SampleSummary{}, errors.New("sample count must be positive")
	}
	var (
		dist *numatoms.Distribution
		err  error
	)
	if req.DistributionPath != "" {
		dist, err = numatoms.LoadFile(req.DistributionPath)
	} else {
		dist, err = numatoms.Lookup(req.Distribution)
	}
	if err != nil {
		return SampleSummary{}, err
	}
	counts := dist.Sample(rand.New(rand.NewSource(req.Seed)), req.Count)
	batch, err := crystal.EmptyBatch(counts, crystal.EmptyOptions{})
	if err != nil {
		return SampleSummary{}, err
	}
	return SampleSummary{Distribution: dist.Name(), NumAtoms: counts, NumNodes: batch.NumNodes()}, nil
}

func (c *Client) ResolveCheckpoint(ctx context.Context, req CheckpointRequest) (string, error) {
	resolver, err := c.checkpointResolver(req)
	if err != nil {
		return "", err
	}
	return resolver.Resolve(ctx, req.Name)
}

// Checkpoints lists the manifest entries and whether each is already cached.
// Cached only checks presence; Resolve verifies the checksum.
func (c *Client) Checkpoints(_ context.Context, req CheckpointRequest) ([]CheckpointItem, error) {
	resolver, err := c.checkpointResolver(req)
	if err != nil {
		return nil, err
	}
	m := resolver.Manifest()
	out := make([]CheckpointItem, 0, len(m.Names()))
	for _, name := range m.Names() {
		entry, _ := m.Lookup(name)
		path, err := resolver.Path(name)
		if err != nil {
			return nil, err
		}
		_, statErr := os.Stat(path)
		out = append(out, CheckpointItem{
			Name:   name,
			Repo:   m.RepoFor(entry),
			HFPath: entry.HFPath,
			Path:   path,
			Cached: statErr == nil,
		})
	}
	return out, nil
}

func (c *Client) checkpointResolver(req CheckpointRequest) (*checkpoint.Resolver, error) {
	if req.ManifestPath == "" {
		return nil, errors.New("checkpoint manifest path is required")
	}
	m, err := checkpoint.LoadManifest(req.ManifestPath)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewResolver(m, checkpoint.Options{
		Fetcher:    req.Fetcher,
		CacheDir:   req.CacheDir,
		Logger:     c.logger,
		Registerer: c.registerer,
	}), nil
}

// Reward scores structures with the configured reward components.
func (c *Client) Reward(ctx context.Context, req RewardRequest) (RewardSummary, error) {
	if err := c.store.Init(ctx); err != nil {
		return RewardSummary{}, err
	}
	structures, ids, err := gatherStructures(req.Structures, req.StructurePaths)
	if err != nil {
		return RewardSummary{}, err
	}
	if len(structures) == 0 {
		return RewardSummary{}, errors.New("reward requires at least one structure")
	}

	deps := reward.Deps{Predictor: req.Predictor, Workers: req.Workers, Logger: c.logger, Registerer: c.registerer}
	for _, spec := range req.Config.Components {
		if strings.EqualFold(spec.Name, "novelty") {
			name := req.Config.ReferenceDataset
			if name == "" {
				name = metrics.DefaultReferenceDataset
			}
			if deps.Reference, err = c.loadReference(ctx, name); err != nil {
				return RewardSummary{}, err
			}
			break
		}
	}
	if deps.PhaseDiagram, err = c.loadPhaseDiagram(ctx, req.PhaseDiagram); err != nil {
		return RewardSummary{}, err
	}

	agg, err := reward.New(req.Config, deps)
	if err != nil {
		return RewardSummary{}, err
	}
	batch, err := crystal.ToBatch(structures, ids, crystal.ConvertOptions{})
	if err != nil {
		return RewardSummary{}, err
	}
	rewards, err := agg.Compute(ctx, batch)
	if err != nil {
		return RewardSummary{}, err
	}
	return RewardSummary{IDs: batch.IDs, Rewards: rewards}, nil
}

func (c *Client) loadReference(ctx context.Context, name string) ([]structure.Structure, error) {
	set, ok, err := c.store.GetReferenceSet(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: reference set %q (ingest a dataset split first)", ErrNotFound, name)
	}
	return set.Decode()
}

func (c *Client) loadPhaseDiagram(ctx context.Context, name string) (*phasediagram.PhaseDiagram, error) {
	if name == "" {
		return nil, nil
	}
	set, ok, err := c.store.GetPhaseDiagram(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: phase diagram %q", ErrNotFound, name)
	}
	return phasediagram.New(set.Name, set.Entries)
}

func gatherStructures(given []structure.Structure, paths []string) ([]structure.Structure, []string, error) {
	structures := append([]structure.Structure(nil), given...)
	ids := make([]string, len(given))
	for i := range given {
		ids[i] = fmt.Sprintf("structure-%d", i)
	}
	files, err := expandCIFPaths(paths)
	if err != nil {
		return nil, nil, err
	}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		s, err := structure.ParseCIF(string(data))
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		structures = append(structures, s)
		ids = append(ids, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	return structures, ids, nil
}

func expandCIFPaths(paths []string) ([]string, error) {
	var out []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*.cif"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

type sampleArtifact struct {
	ID     string               `json:"id"`
	Result metrics.SampleResult `json:"result"`
}

func sampleArtifacts(ids []string, results []metrics.SampleResult) []sampleArtifact {
	out := make([]sampleArtifact, len(results))
	for i, r := range results {
		out[i] = sampleArtifact{ID: ids[i], Result: r}
	}
	return out
}

func recordMetrics(r metrics.Record) map[string]float64 {
	out := make(map[string]float64)
	for name, v := range map[string]*float64{
		"validity":          r.Validity,
		"uniqueness":        r.Uniqueness,
		"novelty":           r.Novelty,
		"stability":         r.Stability,
		"stable_ratio":      r.StableRatio,
		"sun":               r.SUN,
		"msun":              r.MSUN,
		"mean_e_above_hull": r.MeanEAboveHull,
	} {
		if v != nil {
			out[name] = *v
		}
	}
	return out
}

func containsMetric(names []string, metric string) bool {
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), metric) {
			return true
		}
	}
	return false
}

func thresholdOrDefault(v float64) float64 {
	if v == 0 {
		return metrics.DefaultMetastableThreshold
	}
	return v
}
