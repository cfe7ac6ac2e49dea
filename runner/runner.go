package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/assignmentcache"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/cache"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/canvas"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/notion"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/retry"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/syncer"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/throttling"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/jsonrs"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
	GitURL    string
}

// Runner is responsible for running the application
type Runner struct {
	conf        *config.Config
	logger      logger.Logger
	releaseInfo ReleaseInfo
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		conf:        config.Default,
		releaseInfo: releaseInfo,
		logger:      logger.NewLogger().Child("runner"),
	}
}

type goRoutineFactory struct{}

func (goRoutineFactory) Go(f func()) { go f() }

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	for _, arg := range args[1:] {
		if arg == "version" || arg == "--version" || arg == "-v" {
			r.printVersion()
			return 0
		}
	}

	if path, err := r.conf.ConfigFileUsed(); err != nil {
		r.logger.Warnf("Config: failed to parse config file from path %q, using default values: %v", path, err)
	} else {
		r.logger.Infof("Config: using config file: %s", path)
	}

	statsOptions := []stats.Option{
		stats.WithServiceName("canvas-notion-sync"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, goRoutineFactory{}); err != nil {
		r.logger.Errorn("failed to start stats", obskit.Error(err))
		return 1
	}
	defer stats.Default.Stop()

	canvasToken := r.conf.GetString("CANVAS_API_TOKEN", "")
	notionToken := r.conf.GetString("NOTION_API_TOKEN", "")
	if canvasToken == "" || notionToken == "" || r.conf.GetString("Notion.databaseID", "") == "" {
		r.logger.Error("CANVAS_API_TOKEN, NOTION_API_TOKEN and Notion.databaseID must be set")
		return 1
	}

	persister, err := cache.NewBadgerPersister(r.conf.GetString("AssignmentCache.path", "./data"), r.logger)
	if err != nil {
		r.logger.Errorn("failed to open cache persistence", obskit.Error(err))
		return 1
	}
	defer func() {
		if err := persister.Close(); err != nil {
			r.logger.Warnn("closing cache persistence", obskit.Error(err))
		}
	}()

	assignments, err := assignmentcache.New(r.conf, r.logger, persister)
	if err != nil {
		r.logger.Errorn("failed to build assignment cache", obskit.Error(err))
		return 1
	}
	defer assignments.Close()

	canvasLimiter := throttling.NewCostBucket(r.conf, r.logger, stats.Default)
	defer canvasLimiter.Shutdown()
	notionLimiter := throttling.NewSlidingWindow(r.conf, r.logger, stats.Default)
	defer notionLimiter.Shutdown()

	source := canvas.New(r.conf, r.logger, canvasLimiter, func() string {
		return r.conf.GetString("CANVAS_API_TOKEN", "")
	})
	sink := notion.New(r.conf, r.logger, notionLimiter, func() string {
		return r.conf.GetString("NOTION_API_TOKEN", "")
	})
	engine := syncer.New(r.conf, r.logger, stats.Default, assignments, sink, retry.NewPolicy(r.conf, r.logger))

	// reloadable so the period can be tuned without a restart
	interval := r.conf.GetReloadableDurationVar(0, time.Minute, "Sync.interval")
	if interval.Load() <= 0 {
		if err := r.runPass(ctx, source, engine); err != nil {
			return 1
		}
		return 0
	}

	r.logger.Infon("starting periodic sync", logger.NewDurationField("interval", interval.Load()))
	for {
		if err := r.runPass(ctx, source, engine); err != nil && ctx.Err() != nil {
			return 0 // shutdown requested mid-pass
		}
		wait := interval.Load()
		if wait <= 0 {
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			r.logger.Info("shutdown requested")
			return 0
		case <-time.After(wait):
		}
	}
}

func (r *Runner) runPass(ctx context.Context, source *canvas.Client, engine *syncer.Syncer) error {
	start := time.Now()
	assignments, activeCourseIDs, err := source.FetchAll(ctx)
	if err != nil {
		r.logger.Errorn("extraction failed", obskit.Error(err))
		return err
	}
	summary, err := engine.Run(ctx, assignments, activeCourseIDs)
	stats.Default.NewStat("sync_pass_duration_seconds", stats.TimerType).Since(start)
	if err != nil {
		r.logger.Errorn("reconciliation failed", obskit.Error(err))
		return err
	}
	r.logger.Infon("sync pass complete",
		logger.NewStringField("runId", summary.RunID),
		logger.NewBoolField("success", summary.Success),
		logger.NewIntField("processed", int64(summary.Processed)),
		logger.NewIntField("created", int64(summary.Created)),
		logger.NewIntField("updated", int64(summary.Updated)),
		logger.NewIntField("skipped", int64(summary.Skipped)),
		logger.NewIntField("errors", int64(summary.ErrorCount)),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return nil
}

func (r *Runner) printVersion() {
	version := map[string]any{
		"Version":   r.releaseInfo.Version,
		"Commit":    r.releaseInfo.Commit,
		"BuildDate": r.releaseInfo.BuildDate,
		"BuiltBy":   r.releaseInfo.BuiltBy,
		"GitURL":    r.releaseInfo.GitURL,
	}
	versionFormatted, _ := jsonrs.MarshalIndent(&version, "", " ")
	fmt.Fprintf(os.Stdout, "Version Info %s\n", versionFormatted)
}
