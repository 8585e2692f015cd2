// Package main provides osad, the deposition platform daemon.
//
// One process hosts the whole pipeline: the worker pool pulling from the
// transactional outbox, the source scheduler, the OCI container runner,
// and the ops API. Scaling out means running more copies; claims keep
// concurrent instances from double-processing.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/osa-io/osa/internal/api"
	"github.com/osa-io/osa/internal/config"
	"github.com/osa-io/osa/internal/deposition"
	"github.com/osa-io/osa/internal/features"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/pipeline"
	"github.com/osa-io/osa/internal/policy"
	"github.com/osa-io/osa/internal/runner"
	"github.com/osa-io/osa/internal/storage"
	"github.com/osa-io/osa/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "osad"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting osad",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("ops_address", serverConfig.Address()),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, serverConfig, logger); err != nil {
		logger.Error("osad failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("osad stopped")
}

func run(ctx context.Context, serverConfig *api.ServerConfig, logger *slog.Logger) error {
	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
	)

	kernel := policy.NewKernel(policy.DefaultRules(), logger)
	if err := kernel.ValidateCoverage(); err != nil {
		return err
	}

	pipelinePath := config.GetEnvStr("PIPELINE_CONFIG", "pipeline.yaml")

	pipelineConfig, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return err
	}

	logger.Info("pipeline definition loaded",
		slog.String("path", pipelinePath),
		slog.Int("sources", len(pipelineConfig.Sources)),
		slog.Int("conventions", len(pipelineConfig.Conventions)),
	)

	dockerAPI, err := runner.NewDockerAPI()
	if err != nil {
		return err
	}

	containerRunner := runner.NewRunner(dockerAPI, logger)

	registry := outbox.NewSubscriptionRegistry()
	store := outbox.NewStore(conn, registry, logger)

	handlers := pipeline.NewHandlers(pipeline.HandlerDeps{
		Conn:        conn,
		Depositions: deposition.NewStore(conn, logger),
		Outbox:      store,
		Features:    features.NewStore(conn, logger),
		Runner:      containerRunner,
		Sources:     pipeline.NewSourceStateStore(conn),
		Pipeline:    pipelineConfig,
		DomainName:  config.GetEnvStr("OSA_DOMAIN", "osa"),
		DataDir:     config.GetEnvStr("OSA_DATA_DIR", "/var/lib/osa"),
		Logger:      logger,
	})

	keyword, vector, closeWriters := indexHandlers(logger)
	defer closeWriters()

	baseConfig := worker.DefaultConfig()
	overrides := workerOverrides()

	// The janitor reclaims with the longest claim timeout in the pool, so
	// a container-running batch is never reclaimed while still on budget.
	janitor := worker.NewJanitor(store,
		config.GetEnvDuration("JANITOR_INTERVAL", time.Minute),
		worker.MaxClaimTimeout(baseConfig, overrides),
		config.GetEnvDuration("JANITOR_RETENTION", 7*24*time.Hour),
		logger,
	)

	pool := worker.NewPool(store, janitor, logger)

	regs := pipeline.Registrations(handlers, keyword, vector)
	if err := pipeline.Install(regs, registry, pool, baseConfig, overrides); err != nil {
		return err
	}

	scheduler, err := pipeline.NewScheduler(pipelineConfig, conn, store, logger)
	if err != nil {
		return err
	}

	if err := pool.AddTask(scheduler.Run); err != nil {
		return err
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := pool.Close(config.GetEnvDuration("POOL_DRAIN_TIMEOUT", 30*time.Second)); err != nil {
			logger.Warn("pool drain incomplete", slog.String("error", err.Error()))
		}
	}()

	server := api.NewServer(serverConfig, api.Deps{
		Conn:   conn,
		Outbox: store,
		Kernel: kernel,
		Tokens: storage.NewTokenStore(conn),
		Logger: logger,
	})

	return server.Start(ctx)
}

// indexHandlers builds the Kafka index fan-out handlers when KAFKA_BROKERS
// is set. Without brokers the index consumer groups are not registered and
// published records simply skip indexing.
func indexHandlers(logger *slog.Logger) (keyword, vector worker.Handler, closeWriters func()) {
	brokersEnv := config.GetEnvStr("KAFKA_BROKERS", "")
	if brokersEnv == "" {
		logger.Warn("KAFKA_BROKERS not set, index fan-out disabled")

		return nil, nil, func() {}
	}

	brokers := strings.Split(brokersEnv, ",")

	keywordWriter := pipeline.NewIndexWriter(brokers, pipeline.TopicKeywordIndex)
	vectorWriter := pipeline.NewIndexWriter(brokers, pipeline.TopicVectorIndex)

	logger.Info("index fan-out enabled",
		slog.Int("brokers", len(brokers)),
		slog.String("topics", pipeline.TopicKeywordIndex+","+pipeline.TopicVectorIndex),
	)

	keyword = pipeline.NewIndexHandler(pipeline.TopicKeywordIndex, keywordWriter, logger)
	vector = pipeline.NewIndexHandler(pipeline.TopicVectorIndex, vectorWriter, logger)

	closeWriters = func() {
		_ = keywordWriter.Close()
		_ = vectorWriter.Close()
	}

	return keyword, vector, closeWriters
}

// workerOverrides tunes individual consumer groups away from the default.
// Validation executes containers, so it claims one event at a time with a
// budget matching the longest hook timeout.
func workerOverrides() map[string]worker.Config {
	execCfg := worker.DefaultConfig()
	execCfg.BatchSize = 1
	execCfg.BatchTimeout = config.GetEnvDuration("VALIDATION_BATCH_TIMEOUT", 15*time.Minute)
	execCfg.ClaimTimeout = execCfg.BatchTimeout + 5*time.Minute

	syncCfg := execCfg

	return map[string]worker.Config{
		pipeline.GroupExecValidation: execCfg,
		pipeline.GroupSourceSync:     syncCfg,
	}
}
