package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phimask.evalgo.org/checkpoint"
	"phimask.evalgo.org/common"
	"phimask.evalgo.org/config"
	"phimask.evalgo.org/deadletter"
	"phimask.evalgo.org/metrics"
	"phimask.evalgo.org/pipeline"
	"phimask.evalgo.org/retry"
	"phimask.evalgo.org/rules"
	"phimask.evalgo.org/store"
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "run a masking pass over one collection",
	RunE:  runMask,
}

func init() {
	RootCmd.AddCommand(maskCmd)
	f := maskCmd.Flags()

	f.String("collection", "", "source collection to mask (required)")
	f.String("rules", "", "rule file (default: lookup by collection in the mapping file)")
	f.String("mapping", "", "mapping file from collection names to rule files")
	f.String("run-id", "", "run identifier (default: checkpointed run or a fresh UUID)")

	f.String("src-uri", "", "source store URI")
	f.String("src-db", "", "source database name")
	f.String("dst-uri", "", "destination store URI (default: same as source)")
	f.String("dst-db", "", "destination database name")
	f.String("mode", "", "write mode: in-situ or copy")

	f.Int("batch-min", 0, "minimum batch size")
	f.Int("batch-init", 0, "initial batch size")
	f.Int("batch-max", 0, "maximum batch size")
	f.Int("batch-target-seconds", 0, "batch duration the sizing loop aims for")
	f.Int("workers", 0, "transform workers (default: auto)")
	f.Int("writer-parallelism", 0, "concurrent bulk writes to the sink")
	f.Uint64("mem-high-bytes", 0, "resident delta that halves the batch size")
	f.Uint64("mem-low-bytes", 0, "resident level that resumes dispatch")

	f.String("checkpoint-path", "", "directory for checkpoint files")
	f.String("dead-letter-path", "", "directory for dead-letter files")
	f.Bool("resume", true, "continue from an existing checkpoint")
	f.Bool("reset", false, "wipe the checkpoint and start over")
	f.Bool("dry-run", false, "transform only; skip writes and checkpoints")
	f.Int("limit", 0, "process at most N documents")
	f.Int("max-solo-retries", 0, "single-document retries before dead-lettering")
	f.Int("progress-seconds", 0, "interval between progress log lines")
	f.Int("drain-seconds", 0, "graceful drain bound after cancellation")
	f.String("coverage-report", "", "write per-rule applied counts to this file (requires --dry-run)")
	f.Bool("verify-shape", false, "verify the document path set is unchanged (fatal on violation)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")

	viper.BindPFlag("collection", f.Lookup("collection"))
	viper.BindPFlag("rules_file", f.Lookup("rules"))
	viper.BindPFlag("mapping_file", f.Lookup("mapping"))
	viper.BindPFlag("run_id", f.Lookup("run-id"))
	viper.BindPFlag("source.uri", f.Lookup("src-uri"))
	viper.BindPFlag("source.db", f.Lookup("src-db"))
	viper.BindPFlag("dest.uri", f.Lookup("dst-uri"))
	viper.BindPFlag("dest.db", f.Lookup("dst-db"))
	viper.BindPFlag("mode", f.Lookup("mode"))
	viper.BindPFlag("batch.min", f.Lookup("batch-min"))
	viper.BindPFlag("batch.init", f.Lookup("batch-init"))
	viper.BindPFlag("batch.max", f.Lookup("batch-max"))
	viper.BindPFlag("batch.target_seconds", f.Lookup("batch-target-seconds"))
	viper.BindPFlag("workers", f.Lookup("workers"))
	viper.BindPFlag("writer_parallelism", f.Lookup("writer-parallelism"))
	viper.BindPFlag("memory.high_bytes", f.Lookup("mem-high-bytes"))
	viper.BindPFlag("memory.low_bytes", f.Lookup("mem-low-bytes"))
	viper.BindPFlag("checkpoint_path", f.Lookup("checkpoint-path"))
	viper.BindPFlag("dead_letter_path", f.Lookup("dead-letter-path"))
	viper.BindPFlag("resume", f.Lookup("resume"))
	viper.BindPFlag("reset", f.Lookup("reset"))
	viper.BindPFlag("dry_run", f.Lookup("dry-run"))
	viper.BindPFlag("limit", f.Lookup("limit"))
	viper.BindPFlag("max_solo_retries", f.Lookup("max-solo-retries"))
	viper.BindPFlag("progress_seconds", f.Lookup("progress-seconds"))
	viper.BindPFlag("drain_seconds", f.Lookup("drain-seconds"))
	viper.BindPFlag("coverage_report", f.Lookup("coverage-report"))
	viper.BindPFlag("verify_shape", f.Lookup("verify-shape"))
	viper.BindPFlag("metrics_addr", f.Lookup("metrics-addr"))
}

func runMask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitWith(ExitConfig, err)
	}
	if err := configureLogging(cfg); err != nil {
		return exitWith(ExitConfig, err)
	}
	common.Logger.WithField("config", cfg.Summary()).Info("starting masking run")

	ruleSet, err := loadRules(cfg)
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	ckptStore := checkpoint.NewFileStore(
		filepath.Join(cfg.CheckpointPath, cfg.Collection+".checkpoint.json"))
	if err := ckptStore.Acquire(); err != nil {
		return exitWith(ExitFatal, err)
	}
	defer ckptStore.Release()

	if cfg.Reset {
		if err := ckptStore.Reset(); err != nil {
			return exitWith(ExitFatal, err)
		}
	}

	cp, err := ckptStore.Load()
	if err != nil {
		return exitWith(ExitFatal, err)
	}
	if cp != nil && cp.Done {
		return exitWith(ExitConfig,
			fmt.Errorf("collection %s was fully masked by run %s; use --reset to mask again",
				cfg.Collection, cp.RunID))
	}

	runID := cfg.RunID
	resumeKey := ""
	var startCount int64
	if cp != nil && cfg.Resume {
		resumeKey = cp.LastKey
		startCount = cp.Count
		if runID == "" {
			runID = cp.RunID
		}
		common.Logger.WithFields(logrus.Fields{
			"run_id":   runID,
			"last_key": resumeKey,
			"count":    startCount,
		}).Info("resuming from checkpoint")
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := retry.Default()
	srcSvc, err := store.NewService(ctx, cfg.Source.URI, cfg.Source.DB, false)
	if err != nil {
		return exitWith(storeExitCode(err), err)
	}
	defer srcSvc.Close()

	sinkSvc := srcSvc
	mode := store.ModeInSitu
	if cfg.Mode == "copy" {
		mode = store.ModeCopy
		dst := cfg.EffectiveDest()
		sinkSvc, err = store.NewService(ctx, dst.URI, dst.DB, true)
		if err != nil {
			return exitWith(storeExitCode(err), err)
		}
		defer sinkSvc.Close()
	}

	source := store.NewSource(srcSvc, cfg.Batch.Max, policy)
	cursor, err := source.Open(ctx, resumeKey)
	if err != nil {
		return exitWith(storeExitCode(err), err)
	}
	defer cursor.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "phimask")
	if cfg.MetricsAddr != "" {
		srv := metrics.StartServer(cfg.MetricsAddr, reg)
		defer srv.Shutdown()
	}

	progress := metrics.NewProgress()
	go progress.Run(ctx, cfg.ProgressInterval())

	sampler, err := metrics.NewProcessSampler()
	if err != nil {
		common.Logger.WithError(err).Warn("memory sampling unavailable")
		sampler = nil
	}

	opts := pipeline.Options{
		Source:            cursor,
		Sink:              store.NewWriter(sinkSvc, mode, policy),
		Rules:             ruleSet,
		Metrics:           m,
		Progress:          progress,
		Checkpoint:        ckptStore,
		Collection:        cfg.Collection,
		RunID:             runID,
		RunSeed:           runSeed(runID),
		Workers:           cfg.EffectiveWorkers(),
		WriterParallelism: cfg.WriterParallelism,
		MaxSoloRetries:    cfg.MaxSoloRetries,
		Limit:             cfg.Limit,
		Batch:             cfg.Batch,
		Memory:            cfg.Memory,
		DryRun:            cfg.DryRun,
		VerifyShape:       cfg.VerifyShape,
		DrainTimeout:      cfg.DrainTimeout(),
		StartCount:        startCount,
		StartKey:          resumeKey,
	}
	if sampler != nil {
		opts.Sampler = sampler
	}

	var hashes *checkpoint.HashStore
	if !cfg.DryRun {
		hashes, err = checkpoint.OpenHashStore(
			filepath.Join(cfg.CheckpointPath, cfg.Collection+".hashes.db"))
		if err != nil {
			return exitWith(ExitFatal, err)
		}
		defer hashes.Close()
		opts.Hashes = hashes

		dead, err := deadletter.Open(cfg.DeadLetterPath, cfg.Collection, runID)
		if err != nil {
			return exitWith(ExitFatal, err)
		}
		defer dead.Close()
		opts.DeadLetter = dead
	}

	stats, runErr := pipeline.New(opts).Run(ctx)

	warnUncovered(m, ruleSet)
	if cfg.CoverageReport != "" {
		if err := writeCoverageReport(cfg.CoverageReport, m.Coverage()); err != nil {
			common.Logger.WithError(err).Warn("writing coverage report failed")
		}
	}

	switch {
	case runErr != nil:
		return exitWith(storeExitCode(runErr), runErr)
	case stats.Cancelled:
		common.Logger.Info("run cancelled, progress checkpointed")
		return exitWith(ExitCancelled, nil)
	case stats.DeadLetters > 0:
		common.Logger.WithField("dead_letters", stats.DeadLetters).
			Warn("run finished with dead-lettered documents")
		return exitWith(ExitPartial, nil)
	default:
		if hashes != nil {
			if err := hashes.Prune(); err != nil {
				common.Logger.WithError(err).Warn("pruning hash sidecar failed")
			}
		}
		common.Logger.WithFields(logrus.Fields{
			"processed": stats.DocsProcessed,
			"masked":    stats.DocsMasked,
			"duration":  stats.Duration.Round(time.Millisecond).String(),
		}).Info("masking run complete")
		return nil
	}
}

// loadRules resolves the rule set, preferring an explicit rule file over
// the mapping lookup.
func loadRules(cfg *config.Config) (*rules.RuleSet, error) {
	if cfg.RulesFile != "" {
		return rules.LoadRuleFile(cfg.RulesFile, cfg.Collection)
	}
	reg, err := rules.NewRegistry(cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	return reg.Load(cfg.Collection)
}

// storeExitCode maps classified store errors to exit codes. Connection
// problems get their own code so operators can retry; everything else is
// a fatal runtime error.
func storeExitCode(err error) int {
	if errors.Is(err, store.ErrConnection) {
		return ExitConnection
	}
	return ExitFatal
}

// runSeed derives a stable per-run seed so a resumed run draws the same
// replacement values for documents it re-masks.
func runSeed(runID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(runID))
	return h.Sum64()
}

// warnUncovered logs rule paths that never matched a document field.
func warnUncovered(m *metrics.Metrics, rs *rules.RuleSet) {
	uncovered := m.UncoveredPaths(rs.PHIPaths())
	for _, path := range uncovered {
		common.Logger.WithFields(logrus.Fields{
			"collection": rs.Collection,
			"path":       path,
		}).Warn("rule never matched any document")
	}
}

func writeCoverageReport(path string, coverage map[string]int64) error {
	data, err := json.MarshalIndent(coverage, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
