package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/randalmurphal/queryflow/pkg/assistant"
	"github.com/randalmurphal/queryflow/pkg/llm"
	"github.com/randalmurphal/queryflow/pkg/retriever"
	"github.com/randalmurphal/queryflow/pkg/server"
	"github.com/randalmurphal/queryflow/pkg/settings"
)

const version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var showVersion bool
	var configFile string
	root := flag.NewFlagSet("queryflow", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.BoolVar(&showVersion, "version", false, "print version and exit")
	root.StringVar(&configFile, "config", os.Getenv("QUERYFLOW_CONFIG"), "settings file (yaml)")
	if err := root.Parse(args); err != nil {
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "queryflow %s\n", version)
		return 0
	}

	rest := root.Args()
	cmd := "serve"
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	switch cmd {
	case "serve", "ingest", "ask":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		printUsage(stderr)
		return 2
	}

	cfg, err := settings.Load(settings.LoadOptions{File: configFile})
	if err != nil {
		fmt.Fprintf(stderr, "settings: %v\n", err)
		return 1
	}
	logger, logCloser := cfg.Log.NewLogger(stdout)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "ingest":
		err = runIngest(ctx, cfg, logger)
	case "ask":
		err = runAsk(ctx, cfg, logger, rest, stdout)
	default:
		err = runServe(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error(cmd+" failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: queryflow [-config file] [serve | ingest | ask <question>]")
}

func runServe(ctx context.Context, cfg settings.Settings, logger *slog.Logger) error {
	app, err := assistant.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	srv := server.New(app.Service, server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      app.Metrics,
		Logger:       logger,
	})
	return srv.Run(ctx, cfg.Server.ShutdownTimeout)
}

// runIngest embeds the markdown documentation into the pgvector table.
func runIngest(ctx context.Context, cfg settings.Settings, logger *slog.Logger) error {
	method, err := retriever.ParseMethod(cfg.Retrieval.Method)
	if err != nil {
		return err
	}
	embedder := llm.NewOllama(
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithEmbeddingModel(cfg.LLM.EmbeddingModel),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithRetry(llm.NewRetryConfig(llm.WithMaxAttempts(cfg.LLM.RetryAttempts))),
	)
	pg, closePG, err := assistant.OpenPGVector(ctx, cfg, embedder, method, logger)
	if err != nil {
		return err
	}
	defer closePG()

	docs, err := assistant.LoadDocs(cfg.Retrieval.DocsDir)
	if err != nil {
		return fmt.Errorf("load documentation: %w", err)
	}
	if err := pg.Ingest(ctx, docs); err != nil {
		return err
	}
	logger.Info("documentation ingested",
		slog.String("dir", cfg.Retrieval.DocsDir),
		slog.Int("chunks", len(docs)),
	)
	return nil
}

// runAsk answers one question and prints the response as JSON.
func runAsk(ctx context.Context, cfg settings.Settings, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	session := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("ask: a question is required")
	}

	app, err := assistant.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	resp := app.Service.Process(ctx, assistant.ProcessRequest{Query: query, UserID: *user, SessionID: *session})
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
