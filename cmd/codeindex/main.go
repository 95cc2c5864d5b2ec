// Command codeindex is a minimal example host, not a product CLI (spec.md
// §1 scopes the process entry-point out). It wires the storage engine's
// components together the way a real embedding host would, then runs one
// save/search/backup pass to demonstrate the assembled system.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexcollie/codeindex/internal/config"
	"github.com/alexcollie/codeindex/internal/logging"
	"github.com/alexcollie/codeindex/internal/timeouts"
	"github.com/alexcollie/codeindex/pkg/dbservice"
	"github.com/alexcollie/codeindex/pkg/degrade"
	"github.com/alexcollie/codeindex/pkg/erroragg"
	"github.com/alexcollie/codeindex/pkg/filerepo"
	"github.com/alexcollie/codeindex/pkg/migrate"
	"github.com/alexcollie/codeindex/pkg/models"
	"github.com/alexcollie/codeindex/pkg/perfmon"
	"github.com/alexcollie/codeindex/pkg/pool"
	"github.com/alexcollie/codeindex/pkg/searchrepo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codeindex:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	cfg.Path = dbPathFromArgs()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewZerolog(zerolog.New(os.Stderr).With().Timestamp().Logger())

	p, err := pool.New(pool.Config{
		Path:              cfg.Path,
		Min:               1,
		Max:               cfg.MaxConnections,
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond,
		Pragmas:           cfg.Pragmas,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		return err
	}
	migrator, err := migrate.New(lease.DB(), logger, migrate.CoreMigrations()...)
	lease.Release()
	if err != nil {
		return err
	}
	if err := migrator.Migrate(context.Background()); err != nil {
		return err
	}

	timeoutRegistry := timeouts.NewRegistry(nil)
	slowThreshold := time.Duration(cfg.Monitoring.SlowQueryThresholdMs) * time.Millisecond
	db := dbservice.New(p, logger, timeoutRegistry, migrator, slowThreshold)

	monitor := perfmon.NewMonitor(perfmon.Config{SlowQueryThreshold: slowThreshold})
	aggregator := erroragg.New(erroragg.Config{Thresholds: erroragg.Thresholds{
		ErrorRatePerMinute: cfg.Alerting.Thresholds.ErrorRate,
		CriticalErrorCount: cfg.Alerting.Thresholds.CriticalErrorCount,
		Cooldown:           time.Duration(cfg.Alerting.Thresholds.CooldownMs) * time.Millisecond,
	}}, logger)

	manager := degrade.New(logger, 30*time.Second)
	manager.AddTrigger(degrade.Trigger{
		Kind:    degrade.TriggerErrorRate,
		Enabled: true,
		Threshold: cfg.Alerting.Thresholds.ErrorRate,
		Level:   degrade.LevelLimited,
		Observe: aggregator.GetErrorRate,
	})

	files := filerepo.New(db)
	search := searchrepo.New(db, aggregator)

	ctx := context.Background()

	if !manager.IsCapabilityAvailable(degrade.CapIndexing) {
		return fmt.Errorf("indexing capability unavailable at degradation level %s", manager.CurrentLevel())
	}

	example := models.File{
		ID:           "f1",
		Path:         "/a.ts",
		Filename:     "a.ts",
		Extension:    "ts",
		Size:         10,
		LastModified: 100,
		Hash:         hash64("a"),
		Language:     "typescript",
		IndexedAt:    time.Now().UnixMilli(),
	}
	start := time.Now()
	err = files.Save(ctx, example)
	monitor.RecordQueryExecution("files.save", time.Since(start), err == nil, nil, err)
	if err != nil {
		aggregator.RecordError(err, map[string]any{"service": "filerepo", "operation": "save"})
		return err
	}

	found, err := files.FindByPath(ctx, example.Path)
	if err != nil {
		return err
	}
	logger.Info("indexed file round-tripped", nil, logging.Fields{"path": found.Path, "hash": found.Hash})

	hits, err := search.SearchByTags(ctx, []string{"ts"}, searchrepo.Options{})
	if err != nil {
		logger.Warn("tag search failed", err, nil)
	} else {
		logger.Info("search completed", nil, logging.Fields{"hits": len(hits)})
	}

	if err := db.Backup(ctx, cfg.Path+".bak"); err != nil {
		logger.Warn("backup failed", err, nil)
	}

	health := db.HealthCheck(ctx)
	logger.Info("health check", nil, logging.Fields{"status": string(health.Status), "latency_ms": health.LatencyMs})

	return nil
}

func dbPathFromArgs() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "codeindex.db"
}

func hash64(seed string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = seed[0]
	}
	return string(out)
}
