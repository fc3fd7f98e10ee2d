package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cerebro/internal/agents"
	"cerebro/internal/config"
	"cerebro/internal/domain"
	"cerebro/internal/maestro"
	"cerebro/internal/matrix"
	"cerebro/internal/notify"
	"cerebro/internal/orchestrator"
	"cerebro/internal/queue"
	"cerebro/internal/review"
	sqlitestore "cerebro/internal/store/sqlite"
	"cerebro/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.cerebro/config.toml)")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workdirFlag := flag.String("workdir", "", "project directory the maestro CLI edits")
	binaryFlag := flag.String("maestro-bin", "", "maestro CLI binary override")
	addFlag := flag.String("add", "", "enqueue a task with this description and exit")
	priorityFlag := flag.String("priority", "medium", "priority for -add (critical|high|medium|low)")
	agentFlag := flag.String("agent", "", "agent hint for -add")
	squadFlag := flag.String("squad", "", "squad tag for -add")
	listFlag := flag.Bool("list", false, "print queued tasks and exit")
	matrixFlag := flag.String("matrix", "", "run a one-shot parallel matrix from a bundles JSON file and exit")
	demo := flag.Bool("demo", false, "bootstrap a demo task on startup")
	flag.Parse()

	// Secrets arrive through the environment; .env is a development nicety.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbPath := firstNonEmpty(*dbPathFlag, cfg.Queue.DBPath, "data/cerebro.db")
	workdir := firstNonEmpty(*workdirFlag, cfg.Maestro.Workdir, ".")
	dbPath = filepath.Clean(dbPath)
	workdir = filepath.Clean(workdir)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	q := queue.New(store, queue.WithLogger(log.Default()))

	switch {
	case *addFlag != "":
		task, err := q.Add(ctx, *addFlag, domain.TaskPriority(*priorityFlag), *agentFlag, *squadFlag, nil)
		if err != nil {
			log.Fatalf("add task: %v", err)
		}
		fmt.Printf("queued %s (priority=%s)\n", task.ID, task.Priority)
		return
	case *listFlag:
		tasks, err := q.GetAll(ctx, "", 0)
		if err != nil {
			log.Fatalf("list tasks: %v", err)
		}
		for _, t := range tasks {
			fmt.Printf("%-10s %-12s %-9s %-16s %s\n", t.ID, t.Status, t.Priority, t.AgentID, t.Description)
		}
		return
	}

	maestroCfg := maestro.Config{
		Binary:           firstNonEmpty(*binaryFlag, cfg.Maestro.Binary, ""),
		Workdir:          workdir,
		InstructionsFile: cfg.Maestro.InstructionsFile,
		Timeout:          durationSec(cfg.Maestro.TimeoutSeconds, 0),
		PlanningChain:    cfg.Maestro.PlanningChain,
		ExecutionChain:   cfg.Maestro.ExecutionChain,
		Logger:           log.Default(),
	}

	reviewLogPath := firstNonEmpty(cfg.Review.LogPath, "", filepath.Join("logs", "REVIEW_SQUAD_LOGS.md"))
	if err := os.MkdirAll(filepath.Dir(reviewLogPath), 0o755); err != nil {
		log.Fatalf("create review log directory: %v", err)
	}
	reviewLog := review.NewLogWriter(reviewLogPath, log.Default())
	defer reviewLog.Close()

	reviewCfg := review.Config{
		APIKey:  firstNonEmpty(os.Getenv("OPENROUTER_API_KEY"), cfg.Review.APIKey, ""),
		Model:   cfg.Review.Model,
		BaseURL: cfg.Review.BaseURL,
		Logger:  log.Default(),
	}

	var notifier orchestrator.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, log.Default())
	}

	if *matrixFlag != "" {
		failed := runMatrix(ctx, *matrixFlag, cfg, maestroCfg, reviewCfg, reviewLog, notifier, workdir)
		if failed > 0 {
			// os.Exit skips the deferred closes; drain the review log and
			// release the store first so failed runs keep their log excerpts.
			reviewLog.Close()
			if err := store.Close(); err != nil {
				log.Printf("close sqlite store: %v", err)
			}
			os.Exit(1)
		}
		return
	}

	if *demo {
		task, err := q.Add(ctx, "implementar health check endpoint no backend", domain.TaskPriorityHigh, "", "", nil)
		if err != nil {
			log.Printf("demo bootstrap failed: %v", err)
		} else {
			log.Printf("demo task queued: %s", task.ID)
		}
	}

	svc := orchestrator.New(
		q,
		agents.NewSelector(),
		maestro.NewRunner(maestroCfg),
		review.NewSquad(reviewCfg, reviewLog),
		notifier,
		orchestrator.Config{
			MaxRetries:   cfg.Orchestrator.MaxRetries,
			RetryDelay:   durationSec(cfg.Orchestrator.RetryDelaySeconds, 0),
			PollInterval: durationSec(cfg.Orchestrator.PollIntervalSeconds, 0),
			ExecTimeout:  durationSec(cfg.Maestro.TimeoutSeconds, 0),
			AgentFilter:  cfg.Orchestrator.AgentFilter,
		},
		log.Default(),
	)

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}

type bundleSpec struct {
	ID    string   `json:"id"`
	Task  string   `json:"task"`
	Files []string `json:"files"`
}

func runMatrix(
	ctx context.Context,
	bundlesPath string,
	cfg config.Config,
	maestroCfg maestro.Config,
	reviewCfg review.Config,
	reviewLog *review.LogWriter,
	notifier orchestrator.Notifier,
	workdir string,
) int {
	raw, err := os.ReadFile(bundlesPath)
	if err != nil {
		log.Fatalf("read bundles file: %v", err)
	}
	var specs []bundleSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		log.Fatalf("parse bundles file: %v", err)
	}
	bundles := make([]domain.Bundle, 0, len(specs))
	for _, s := range specs {
		if s.ID == "" || strings.TrimSpace(s.Task) == "" {
			log.Fatalf("bundle needs id and task: %+v", s)
		}
		bundles = append(bundles, domain.Bundle{WorkerID: s.ID, Description: s.Task, Files: s.Files})
	}

	root := firstNonEmpty(cfg.Matrix.Root, workdir, ".")
	coord := matrix.New(
		matrix.Config{
			Root:       root,
			MatrixDir:  cfg.Matrix.MatrixDir,
			MaxRetries: cfg.Matrix.MaxRetries,
		},
		workspace.NewDirCloner(log.Default()),
		func(cloneDir string) matrix.Executor {
			mc := maestroCfg
			mc.Workdir = cloneDir
			return maestro.NewRunner(mc)
		},
		func(lw *review.LogWriter) matrix.Reviewer {
			return review.NewSquad(reviewCfg, lw)
		},
		notifier,
		reviewLog,
		log.Default(),
	)

	reports := coord.RunParallel(ctx, bundles)
	failed := 0
	for _, r := range reports {
		if r.Success {
			fmt.Printf("worker %s: ok, %d files\n", r.WorkerID, len(r.Files))
		} else {
			failed++
			fmt.Printf("worker %s: failed: %s\n", r.WorkerID, r.Error)
		}
	}
	return failed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func durationSec(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
