// ============================================================================
// Elastic Cloud Scheduler CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the task lifecycle core
//
// Command Structure:
//   elastic-cloud-scheduler          # Root command
//   ├── run                          # Start the scheduler core
//   ├── status                       # Show config and persisted queues
//   ├── jobs                         # List job configurations
//   ├── kill <taskID>...             # Ask the resource manager to kill tasks
//   ├── --config, -c                 # Config file (all commands)
//   ├── --version
//   └── --help
//
// Configuration Management:
//   YAML config file (default: configs/default.yaml), sections:
//   - reconcile: daemon task reconcile intervals and limits
//   - driver:    resource manager gRPC address, empty means log only
//   - jobs:      YAML job file and/or sqlite database
//   - snapshot:  queue snapshot path, interval and backups
//   - server:    scheduler callback gRPC port (offers, status updates)
//   - metrics:   Prometheus / status HTTP endpoint
//
// run Command:
//   1. Load config file
//   2. Build job store, driver and collector
//   3. Create and start Controller
//   4. Start scheduler callback gRPC server (if port set)
//   5. Start metrics HTTP server (if enabled)
//   6. Wait for SIGINT / SIGTERM, then shut down gracefully
//
//   Examples:
//     ./elastic-cloud-scheduler run
//     ./elastic-cloud-scheduler run -c custom-config.yaml
//
// kill Command:
//   Task IDs are validated locally before any request is sent.
//
//   Examples:
//     ./elastic-cloud-scheduler kill 'my_job@-@0@-@READY@-@slave-S0@-@<uuid>'
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/config"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/controller"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/driver"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/metrics"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/reconcile"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/schedule"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/server"
	"github.com/ChuLiYu/elastic-cloud-scheduler/internal/snapshot"
	"github.com/ChuLiYu/elastic-cloud-scheduler/pkg/types"
)

var log = slog.Default()

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Reconcile struct {
		TickInterval       time.Duration `yaml:"tick_interval"`
		ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
		RetryIntervalUnit  time.Duration `yaml:"retry_interval_unit"`
		MaxPostTimes       int           `yaml:"max_post_times"`
		RequestTimeout     time.Duration `yaml:"request_timeout"`
		FailoverOnEviction bool          `yaml:"failover_on_eviction"`
	} `yaml:"reconcile"`

	Driver struct {
		Address string        `yaml:"address"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"driver"`

	Jobs struct {
		File     string `yaml:"file"`
		Database string `yaml:"database"` // sqlite DSN
	} `yaml:"jobs"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"snapshot"`

	Server struct {
		Port int `yaml:"port"` // 0 表示不開放回呼服務
	} `yaml:"server"`

	Metrics struct {
		Enabled       bool          `yaml:"enabled"`
		Port          int           `yaml:"port"`
		StatsInterval time.Duration `yaml:"stats_interval"`
	} `yaml:"metrics"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "elastic-cloud-scheduler",
		Short: "Elastic Cloud Scheduler: task lifecycle core for elastic jobs",
		Long: `Elastic Cloud Scheduler keeps the task lifecycle of cloud jobs:
- Ready and failover queues with snapshot recovery
- Running task tracking per job and shard
- Daemon task reconciliation against the resource manager`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildKillCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler core",
		Long:  "Recover queues from snapshot, register jobs and start reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Info("Starting scheduler", "config", configFile)

	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		return err
	}

	drv, closeDriver, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	defer closeDriver()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
	}

	ctrl, err := controller.NewController(controllerConfig(cfg), store, drv, collector)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	grpcServer, grpcDone, err := startCallbackServer(cfg.Server.Port, ctrl)
	if err != nil {
		ctrl.Stop()
		return err
	}

	serverDone := make(chan struct{})
	if cfg.Metrics.Enabled {
		router := metrics.NewRouter(prometheus.DefaultGatherer, func() any { return ctrl.GetStatus() })
		go func() {
			defer close(serverDone)
			if err := metrics.Serve(ctx, cfg.Metrics.Port, router); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	} else {
		close(serverDone)
	}

	log.Info("System started successfully")
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	<-grpcDone
	ctrl.Stop()
	<-serverDone

	log.Info("System stopped. Goodbye!")
	return nil
}

// startCallbackServer 開放資源管理器回呼的 gRPC 服務，port 為 0 時不啟動
func startCallbackServer(port int, scheduler server.Scheduler) (*grpc.Server, <-chan struct{}, error) {
	done := make(chan struct{})
	if port == 0 {
		close(done)
		return nil, done, nil
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	grpcServer := grpc.NewServer()
	server.Register(grpcServer, server.NewServer(scheduler))
	go func() {
		defer close(done)
		log.Info("Callback server listening", "address", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("Callback server error", "error", err)
		}
	}()
	return grpcServer, done, nil
}

// controllerConfig 將檔案配置轉成 Controller 配置
func controllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		Reconcile: reconcile.Config{
			TickInterval:       cfg.Reconcile.TickInterval,
			ReconcileInterval:  cfg.Reconcile.ReconcileInterval,
			RetryIntervalUnit:  cfg.Reconcile.RetryIntervalUnit,
			MaxPostTimes:       cfg.Reconcile.MaxPostTimes,
			RequestTimeout:     cfg.Reconcile.RequestTimeout,
			FailoverOnEviction: cfg.Reconcile.FailoverOnEviction,
		},
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotInterval: cfg.Snapshot.Interval,
		SnapshotBackups:  cfg.Snapshot.Backups,
		StatsInterval:    cfg.Metrics.StatsInterval,
	}
}

// buildStore 建立作業配置來源
//
// 設定 database 時使用 sqlite，並以 file 中的作業為種子；否則直接讀取 file。
func buildStore(ctx context.Context, cfg *Config) (config.Store, error) {
	if cfg.Jobs.Database == "" {
		if cfg.Jobs.File == "" {
			log.Warn("No job source configured")
			return config.NewMemoryStore(), nil
		}
		store, err := config.NewFileStore(cfg.Jobs.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}
		return store, nil
	}

	db, err := gorm.Open(sqlite.Open(cfg.Jobs.Database), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	store := config.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate job database: %w", err)
	}

	if cfg.Jobs.File != "" {
		seed, err := config.LoadFile(cfg.Jobs.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}
		for _, each := range seed {
			if err := store.Save(ctx, each); err != nil {
				return nil, fmt.Errorf("failed to seed job %q: %w", each.JobName, err)
			}
		}
		log.Info("Job database seeded", "jobs", len(seed))
	}
	return store, nil
}

// buildDriver 建立資源管理器介面，未設定位址時只記錄日誌
func buildDriver(cfg *Config) (driver.Driver, func(), error) {
	if cfg.Driver.Address == "" {
		log.Warn("No resource manager address configured, requests are only logged")
		return driver.LoggingDriver{}, func() {}, nil
	}

	conn, err := driver.Dial(cfg.Driver.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to resource manager: %w", err)
	}
	log.Info("Resource manager configured", "address", cfg.Driver.Address)
	return driver.NewGrpcDriver(conn), func() { _ = conn.Close() }, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and the persisted ready / failover queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Elastic Cloud Scheduler Status                  ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:        %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Reconcile Interval: %s\n", cfg.Reconcile.ReconcileInterval)
	fmt.Fprintf(w, "  ├─ Retry Unit:         %s\n", cfg.Reconcile.RetryIntervalUnit)
	fmt.Fprintf(w, "  ├─ Max Post Times:     %d\n", cfg.Reconcile.MaxPostTimes)
	fmt.Fprintf(w, "  ├─ Callback Port:      %d\n", cfg.Server.Port)
	if cfg.Driver.Address != "" {
		fmt.Fprintf(w, "  └─ Resource Manager:   %s\n", cfg.Driver.Address)
	} else {
		fmt.Fprintln(w, "  └─ Resource Manager:   ⚠️  not configured (log only)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Snapshot:")
	if cfg.Snapshot.Path == "" {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	} else {
		manager := snapshot.NewManager(cfg.Snapshot.Path)
		fmt.Fprintf(w, "  ├─ Path:     %s\n", manager.GetPath())
		if !manager.Exists() {
			fmt.Fprintln(w, "  └─ Status:   no snapshot yet")
		} else {
			data, err := manager.Load()
			if err != nil {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}
			fmt.Fprintf(w, "  ├─ Saved At: %s\n", time.UnixMilli(data.SavedAt).Format(time.RFC3339))
			fmt.Fprintf(w, "  ├─ ⏳ Ready:    %d\n", len(data.Ready))
			for _, each := range data.Ready {
				fmt.Fprintf(w, "  │  └─ %s (daemon=%t)\n", each.JobName, each.Daemon)
			}
			fmt.Fprintf(w, "  └─ 🔁 Failover: %d\n", len(data.Failover))
			for _, each := range data.Failover {
				fmt.Fprintf(w, "     └─ %s\n", each.MetaInfo)
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
		fmt.Fprintf(w, "  └─ Live:   http://localhost:%d/status\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// jobs
// ============================================================================

func buildJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List configured jobs",
		Long:  "List job configurations with their next cron fire time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listJobs(cmd.OutOrStdout())
		},
	}
}

func listJobs(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := buildStore(context.Background(), cfg)
	if err != nil {
		return err
	}

	jobs := store.All()
	fmt.Fprintf(w, "📋 Jobs (%d):\n", len(jobs))
	now := time.Now()
	for _, each := range jobs {
		next := "-"
		if !each.IsDaemon() {
			sched, err := schedule.ParseCron(each.Cron)
			if err != nil {
				next = "invalid cron"
			} else {
				next = sched.Next(now).Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "  └─ %-24s %-9s shards=%d failover=%t next=%s\n",
			each.JobName, each.ExecutionType, each.ShardingTotalCount, each.Failover, next)
	}
	return nil
}

// ============================================================================
// kill
// ============================================================================

func buildKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <taskID>...",
		Short: "Kill tasks through the resource manager",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return killTasks(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
}

func killTasks(ctx context.Context, w io.Writer, taskIDs []string) error {
	for _, each := range taskIDs {
		if _, err := types.Decode(each); err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Driver.Address == "" {
		return fmt.Errorf("driver address is required to kill tasks")
	}

	drv, closeDriver, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	defer closeDriver()

	if ctx == nil {
		ctx = context.Background()
	}
	failed := 0
	for _, each := range taskIDs {
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Driver.Timeout)
		err := drv.KillTask(reqCtx, each)
		cancel()
		if err != nil {
			fmt.Fprintf(w, "  ❌ %s: %v\n", each, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "  ✅ %s\n", each)
	}
	if failed > 0 {
		return fmt.Errorf("failed to kill %d/%d tasks", failed, len(taskIDs))
	}
	return nil
}

// ============================================================================
// 配置載入
// ============================================================================

func defaultConfig() Config {
	var cfg Config
	rc := reconcile.DefaultConfig()
	cfg.Reconcile.TickInterval = rc.TickInterval
	cfg.Reconcile.ReconcileInterval = rc.ReconcileInterval
	cfg.Reconcile.RetryIntervalUnit = rc.RetryIntervalUnit
	cfg.Reconcile.MaxPostTimes = rc.MaxPostTimes
	cfg.Reconcile.RequestTimeout = rc.RequestTimeout
	cfg.Driver.Timeout = 5 * time.Second
	cfg.Snapshot.Interval = 30 * time.Second
	cfg.Server.Port = 50051
	cfg.Metrics.Port = 9090
	cfg.Metrics.StatsInterval = 5 * time.Second
	return cfg
}

// loadConfig 讀取 YAML 配置，未出現的欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}
