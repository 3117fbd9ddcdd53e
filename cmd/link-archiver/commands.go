package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/archive"
	"github.com/Sriram-PR/link-archiver/pkg/config"
	"github.com/Sriram-PR/link-archiver/pkg/models"
	"github.com/Sriram-PR/link-archiver/pkg/queue"
	"github.com/Sriram-PR/link-archiver/pkg/storage"
	"github.com/Sriram-PR/link-archiver/pkg/utils"
	"github.com/Sriram-PR/link-archiver/pkg/validate"
)

// urlChecker is the part of the validator the check command needs
type urlChecker interface {
	Validate(ctx context.Context, rawURL string) (string, error)
}

// runCheck handles the check subcommand
func runCheck(args []string) {
	fs := newFlagSet("check", "<url>")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error, fatal)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	validator := validate.NewValidator(nil, log.WithField("component", "validator"))
	os.Exit(doCheck(context.Background(), validator, fs.Arg(0), os.Stdout, os.Stderr))
}

// doCheck runs the pre-flight check and reports the outcome. Returns exit code (0 = allowed).
func doCheck(ctx context.Context, checker urlChecker, rawURL string, stdout, stderr io.Writer) int {
	normalized, err := checker.Validate(ctx, rawURL)
	if err != nil {
		var fe *models.FetchError
		if errors.As(err, &fe) {
			fmt.Fprintf(stdout, "REJECTED: %s: %s\n", fe.Code, fe.Message)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %s\n", normalized)
	return 0
}

// runArchive handles the archive subcommand
func runArchive(args []string) {
	fs := newFlagSet("archive", "<url>")
	configFile := fs.String("config", "", "Path to config file (defaults apply when empty)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	appCfg := loadAndValidateConfig(*configFile, log)

	ctx, stop := signalContext(log)
	defer stop()

	store, err := storage.NewInMemoryBadgerStore(log.WithField("component", "storage"))
	if err != nil {
		log.Fatalf("Failed to initialize archive store: %v", err)
	}
	defer store.Close()

	q := queue.NewMemoryQueue(log.WithField("component", "queue"))
	defer q.Close()

	orchestrator := newOrchestrator(ctx, appCfg, store, q, logrus.NewEntry(log))
	exitCode := doArchive(ctx, orchestrator, store, q, fs.Arg(0), log.WithField("component", "archive_cmd"), os.Stdout)
	stop()
	store.Close()
	os.Exit(exitCode)
}

// doArchive creates an archive for rawURL and works its jobs until the archive is terminal
// or ctx is cancelled. Returns exit code (0 = completed).
func doArchive(
	ctx context.Context,
	orchestrator *archive.Orchestrator,
	store storage.ArchiveStore,
	q queue.Queue,
	rawURL string,
	log *logrus.Entry,
	stdout io.Writer,
) int {
	link := models.Link{ID: uuid.New().String(), URL: rawURL}
	created, err := orchestrator.CreateArchiveFor(ctx, link)
	if err != nil {
		log.Errorf("Failed to create archive: %v", err)
		return 1
	}

	final := created
	if !created.Status.IsTerminal() {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Stop the pool once this archive settles, or when a job fails outright
		handler := func(jobCtx context.Context, job models.Job) error {
			performErr := orchestrator.Perform(jobCtx, job)
			current, getErr := store.Get(jobCtx, job.ArchiveID)
			if performErr != nil || (getErr == nil && current.Status.IsTerminal()) {
				cancel()
			}
			return performErr
		}

		pool := queue.NewWorkerPool(q, handler, 1, log)
		if err := pool.Run(runCtx); err != nil {
			log.Errorf("Worker pool failed: %v", err)
			return 1
		}

		final, err = store.Get(context.WithoutCancel(ctx), created.ID)
		if err != nil {
			log.Errorf("Failed to load archive %s: %v", created.ID, err)
			return 1
		}
	}

	printSummary(stdout, final)
	if final.Status != models.ArchiveStatusCompleted {
		return 1
	}
	return 0
}

func printSummary(w io.Writer, a *models.Archive) {
	fmt.Fprintf(w, "Archive:  %s\n", a.ID)
	fmt.Fprintf(w, "URL:      %s\n", a.URL)
	fmt.Fprintf(w, "Status:   %s\n", a.Status)
	if a.ErrorReason != "" {
		fmt.Fprintf(w, "Reason:   %s (%s)\n", a.ErrorReason, a.ErrorMessage)
	}
	if a.Title != "" {
		fmt.Fprintf(w, "Title:    %s\n", a.Title)
	}
	if a.ContentText != nil {
		fmt.Fprintf(w, "Text:     %d characters\n", len([]rune(*a.ContentText)))
	}
	if a.Metadata != nil && a.Metadata.FinalURL != "" && a.Metadata.FinalURL != a.URL {
		fmt.Fprintf(w, "FinalURL: %s\n", a.Metadata.FinalURL)
	}
}

// runWorker handles the worker subcommand
func runWorker(args []string) {
	fs := newFlagSet("worker", "")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "", "Log level override (defaults to log_level from config)")
	requeueFlag := fs.Bool("requeue", false, "Re-enqueue pending/processing archives before starting (always on for the memory queue)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger("info")
	appCfg := loadAndValidateConfig(*configFile, log)
	if *logLevel == "" {
		*logLevel = appCfg.LogLevel
	}
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}
	logAppConfig(appCfg, log)

	ctx, stop := signalContext(log)
	defer stop()

	rootLog := logrus.NewEntry(log)
	store, err := openStore(ctx, appCfg, rootLog)
	if err != nil {
		log.Fatalf("Failed to initialize archive store: %v", err)
	}
	defer store.Close()
	startMaintenance(ctx, store)

	q, err := openQueue(appCfg, rootLog)
	if err != nil {
		log.Errorf("Failed to initialize job queue: %v", err)
		return
	}
	defer q.Close()

	orchestrator := newOrchestrator(ctx, appCfg, store, q, rootLog)

	// The memory queue loses jobs on restart, so stored work is always recovered
	if *requeueFlag || appCfg.Queue.Driver == config.QueueMemory {
		n, err := orchestrator.RequeuePending(ctx, startupStaleAfter(appCfg))
		if err != nil {
			log.Errorf("Requeue failed: %v", err)
		}
		log.Infof("Requeued %d archives at startup", n)
	}

	pool := queue.NewWorkerPool(q, orchestrator.Perform, appCfg.NumWorkers, rootLog.WithField("component", "worker_pool"))
	log.Infof("Worker pool running with %d workers", appCfg.NumWorkers)
	if err := pool.Run(ctx); err != nil {
		log.Errorf("Worker pool stopped with error: %v", err)
		return
	}
	log.Info("Worker pool stopped.")
}

// startupStaleAfter is the requeue threshold used when a worker starts. Claims recorded
// against the memory queue died with the previous process, so all of them are recovered.
func startupStaleAfter(cfg *config.AppConfig) time.Duration {
	if cfg.Queue.Driver == config.QueueMemory {
		return 0
	}
	return cfg.RequeueStaleAfter
}

// runRequeue handles the requeue subcommand
func runRequeue(args []string) {
	fs := newFlagSet("requeue", "")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	appCfg := loadAndValidateConfig(*configFile, log)
	if appCfg.Queue.Driver == config.QueueMemory {
		fmt.Fprintln(os.Stderr, "Error: requeue needs a shared queue; the memory queue is recovered by 'worker' at startup")
		os.Exit(1)
	}

	ctx, stop := signalContext(log)
	defer stop()

	rootLog := logrus.NewEntry(log)
	store, err := openStore(ctx, appCfg, rootLog)
	if err != nil {
		log.Fatalf("Failed to initialize archive store: %v", err)
	}
	defer store.Close()

	q, err := openQueue(appCfg, rootLog)
	if err != nil {
		log.Errorf("Failed to initialize job queue: %v", err)
		return
	}
	defer q.Close()

	orchestrator := newOrchestrator(ctx, appCfg, store, q, rootLog)
	n, err := orchestrator.RequeuePending(ctx, appCfg.RequeueStaleAfter)
	fmt.Printf("Requeued %d archives\n", n)
	if err != nil {
		log.Errorf("Requeue stopped early: %v", err)
	}
}

// runStatus handles the status subcommand
func runStatus(args []string) {
	fs := newFlagSet("status", "<archive-id>")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	byLink := fs.Bool("link", false, "Treat the argument as a link ID")
	logLevel := fs.String("loglevel", "warn", "Log level (debug, info, warn, error, fatal)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	log := setupLogger(*logLevel)
	appCfg := loadAndValidateConfig(*configFile, log)

	ctx := context.Background()
	store, err := openStore(ctx, appCfg, logrus.NewEntry(log))
	if err != nil {
		log.Fatalf("Failed to initialize archive store: %v", err)
	}
	exitCode := doStatus(ctx, store, fs.Arg(0), *byLink, os.Stdout, os.Stderr)
	store.Close()
	os.Exit(exitCode)
}

// doStatus prints one archive as indented JSON. Returns exit code (0 = found).
func doStatus(ctx context.Context, store storage.ArchiveStore, key string, byLink bool, stdout, stderr io.Writer) int {
	var (
		a   *models.Archive
		err error
	)
	if byLink {
		a, err = store.GetByLinkID(ctx, key)
	} else {
		a, err = store.Get(ctx, key)
	}
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			fmt.Fprintf(stderr, "Error: no archive found for '%s'\n", key)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := newFlagSet("validate", "")
	configFile := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: storage=%s queue=%s workers=%d max_attempts=%d\n",
		appCfg.Storage.Driver, appCfg.Queue.Driver, appCfg.NumWorkers, appCfg.MaxAttempts())
	fmt.Fprintf(stdout, "OK: retry_backoff=%s\n", formatBackoff(appCfg))
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

func formatBackoff(appCfg *config.AppConfig) string {
	parts := make([]string, len(appCfg.RetryBackoff))
	for i, d := range appCfg.RetryBackoff {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
