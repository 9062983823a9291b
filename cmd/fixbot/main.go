// fixbot submits one bug-fix task to the pipeline and prints the result.
//
// Usage:
//
//	fixbot -bug "add() returns wrong sum" -code-file broken.py -lang python
//	fixbot -bug "login 500s" -repo https://example.com/app.git -branch main \
//	       -test "pytest -x" -lang python
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fixbot/pkg/config"
	"fixbot/pkg/dispatch"
	"fixbot/pkg/llm"
	"fixbot/pkg/logx"
	"fixbot/pkg/metrics"
	"fixbot/pkg/repo"
	"fixbot/pkg/sandbox"
	"fixbot/pkg/taskstore"
	"fixbot/pkg/workflow"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML)")
		bug         = flag.String("bug", "", "bug description (required)")
		repoURL     = flag.String("repo", "", "repository URL to clone")
		branch      = flag.String("branch", "", "branch to clone")
		codeFile    = flag.String("code-file", "", "file containing inline code to fix (alternative to -repo)")
		testCmd     = flag.String("test", "", "test command to verify the fix")
		language    = flag.String("lang", "python", "target language")
		maxAttempts = flag.Int("max-attempts", 0, "override the configured attempt limit")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fixbot %s\n", version)
		return
	}

	logger := logx.NewLogger("fixbot")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration: %v", err)
		os.Exit(1)
	}

	inline := ""
	if *codeFile != "" {
		data, err := os.ReadFile(*codeFile)
		if err != nil {
			logger.Error("cannot read %s: %v", *codeFile, err)
			os.Exit(1)
		}
		inline = string(data)
	}

	req := workflow.Request{
		RepoURL:        *repoURL,
		Branch:         *branch,
		InlineCode:     inline,
		BugDescription: *bug,
		TestCommand:    *testCmd,
		Language:       *language,
		MaxAttempts:    *maxAttempts,
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	record, err := run(cfg, req, *metricsAddr, logger)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	if record.Status != taskstore.StatusSuccess {
		os.Exit(1)
	}
}

func run(cfg *config.Config, req workflow.Request, metricsAddr string, logger *logx.Logger) (*taskstore.Record, error) {
	recorder, metricsHandler := metrics.NewRecorder()
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped: %v", err)
			}
		}()
	}

	client, err := llm.NewClient(&cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm setup failed: %w", err)
	}

	exec, err := sandbox.NewSelector(&cfg.Sandbox, recorder)
	if err != nil {
		return nil, fmt.Errorf("sandbox setup failed: %w", err)
	}
	if exec.Degraded() {
		logger.Warn("running without sandbox isolation")
	}

	store, err := taskstore.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("task store setup failed: %w", err)
	}
	defer store.Close()

	if cfg.Store.TTL > 0 {
		if _, err := store.PurgeOlderThan(context.Background(), cfg.Store.TTL); err != nil {
			logger.Warn("task purge failed: %v", err)
		}
	}

	engine := workflow.NewEngine(cfg, client, exec, repo.NewProvider(&cfg.Repo), recorder)
	pool := dispatch.NewPool(&cfg.Dispatch, engine, store)

	// SIGINT/SIGTERM cancel the in-flight task; the record terminates as
	// cancelled rather than being abandoned mid-stage.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	defer pool.Stop()

	id, err := pool.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submission rejected: %w", err)
	}
	logger.Info("task %s submitted", id)

	record, err := pool.Wait(ctx, id, 500*time.Millisecond)
	if err != nil && ctx.Err() != nil {
		logger.Warn("interrupted, cancelling task %s", id)
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, cErr := pool.Cancel(cancelCtx, id); cErr != nil {
			logger.Warn("cancel failed: %v", cErr)
		}
		record, err = pool.Wait(cancelCtx, id, 100*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("task did not terminate: %w", err)
	}

	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render result: %w", err)
	}
	fmt.Println(string(out))
	return record, nil
}
