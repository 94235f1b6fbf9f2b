// Package main is the Kakunin CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/config"
	"github.com/torii/kakunin/internal/indexer"
	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/normalize"
	"github.com/torii/kakunin/internal/orchestrate"
	"github.com/torii/kakunin/internal/pipeline"
	"github.com/torii/kakunin/internal/provider"
	"github.com/torii/kakunin/internal/server"
	"github.com/torii/kakunin/internal/storage"
	"github.com/torii/kakunin/internal/verify"
	"github.com/torii/kakunin/internal/watcher"
	"github.com/torii/kakunin/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kakunin/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory takes precedence (for development). Returns the
// config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "status":
		runStatus()
	case "release":
		runRelease()
	case "resume":
		runStateChange("resume")
	case "restart":
		runStateChange("restart")
	case "version", "--version", "-v":
		fmt.Printf("kakunin version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (provider calls, inbox events, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Pick up records that were mid-flight when the service last stopped.
	go func() {
		if err := components.Pipeline.ProcessPending(context.Background()); err != nil {
			logger.Warn("pending record sweep failed", zap.Error(err))
		}
	}()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var inbox *watcher.InboxWatcher
	if len(cfg.Watch.Directories) > 0 {
		watchOpts := []watcher.Option{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		inbox = watcher.New(
			components.Pipeline,
			cfg.Watch.Directories,
			cfg.Watch.Extensions,
			cfg.Watch.RecursiveOrDefault(),
			watchOpts...,
		)
		if err := inbox.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start inbox watcher", zap.Error(err))
		}
		go inbox.SyncExisting(watchCtx)
	}

	srv := server.NewServer(components.Pipeline, components.Store, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if inbox != nil {
		inbox.Stop()
	}
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = process locally without a server)")
	typeHint := fs.String("type-hint", "", "document type hint (e.g. work_instruction, sop)")
	wait := fs.Bool("wait", true, "wait for processing to finish")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kakunin ingest [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}

	if *serverURL != "" {
		rec, err := ingestViaHTTP(*serverURL, filepath.Base(path), content, *typeHint, *wait)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
			os.Exit(1)
		}
		printRecord(rec)
		return
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	ctx := context.Background()
	rec, err := components.Pipeline.Ingest(ctx, path, content, models.UploadCLI, *typeHint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		os.Exit(1)
	}
	if err := components.Pipeline.Process(ctx, rec.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Processing failed: %v\n", err)
	}
	got, err := components.Store.GetRecord(ctx, rec.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load record: %v\n", err)
		os.Exit(1)
	}
	printRecord(got)
}

func ingestViaHTTP(serverURL, filename string, content []byte, typeHint string, wait bool) (*models.ProcessingRecord, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(content); err != nil {
		return nil, err
	}
	if typeHint != "" {
		if err := mw.WriteField("type_hint", typeHint); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := serverURL + "/api/v1/documents"
	if wait {
		url += "?wait=true"
	}
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var rec models.ProcessingRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rec, nil
}

func printRecord(rec *models.ProcessingRecord) {
	fmt.Printf("id:         %s\n", rec.ID)
	fmt.Printf("filename:   %s\n", rec.Filename)
	fmt.Printf("state:      %s\n", rec.State)
	fmt.Printf("validation: %s\n", rec.ValidationStatus)
	if rec.Coverage != nil {
		fmt.Printf("coverage:   %.1f%% (%s)\n", rec.Coverage.CoveragePercent, rec.Coverage.Decision)
	}
	for _, reason := range rec.ReviewReasons {
		fmt.Printf("review:     %s\n", reason)
	}
	if rec.FailedStage != "" {
		fmt.Printf("failed:     %s (%s)\n", rec.FailedStage, rec.FailedReason)
	}
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Documents      int64            `json:"documents"`
	States         map[string]int64 `json:"states"`
	DiskUsageBytes *int64           `json:"disk_usage_bytes,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		res, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = *res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		ctx := context.Background()
		total, err := store.CountRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count records failed: %v\n", err)
			os.Exit(1)
		}
		byState, err := store.CountByState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count by state failed: %v\n", err)
			os.Exit(1)
		}
		status = statusResponse{Documents: total, States: make(map[string]int64, len(byState))}
		for state, n := range byState {
			status.States[string(state)] = n
		}
		diskBytes, err := storage.DiskUsageBytes(
			cfg.Storage.DatabasePath, cfg.Storage.ImageStorePath, cfg.Storage.IndexPath)
		if err == nil {
			status.DiskUsageBytes = &diskBytes
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("documents:         %d\n", status.Documents)
		for _, state := range []string{
			"UPLOADED", "IMAGES_GENERATED", "WORDS_EXTRACTED", "ANALYSIS_COMPLETE",
			"VALIDATED", "QM_APPROVED", "QM_REJECTED", "INDEXED", "FAILED",
		} {
			if n, ok := status.States[state]; ok && n > 0 {
				fmt.Printf("  %-17s %d\n", state+":", n)
			}
		}
		if status.DiskUsageBytes != nil {
			fmt.Printf("disk_usage_bytes:  %d\n", *status.DiskUsageBytes)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func runRelease() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kakunin release <approve|reject> [flags] <document-id>")
		os.Exit(1)
	}
	decision := os.Args[2]
	if decision != "approve" && decision != "reject" {
		fmt.Printf("Unknown release decision: %s (use approve or reject)\n", decision)
		os.Exit(1)
	}
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	actor := fs.String("actor", "", "who is making the decision (required)")
	comment := fs.String("comment", "", "optional review comment")
	_ = fs.Parse(os.Args[3:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kakunin release <approve|reject> [flags] <document-id>")
		os.Exit(1)
	}
	if *actor == "" {
		fmt.Println("--actor is required for release decisions")
		os.Exit(1)
	}
	id := fs.Arg(0)

	body, _ := json.Marshal(map[string]string{
		"decision": decision,
		"actor":    *actor,
		"comment":  *comment,
	})
	resp, err := http.Post(*serverURL+"/api/v1/documents/"+id+"/release", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Release failed (%d): %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	var rec models.ProcessingRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}
	printRecord(&rec)
}

// runStateChange posts resume/restart for a document.
func runStateChange(action string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Printf("Usage: kakunin %s [flags] <document-id>\n", action)
		os.Exit(1)
	}
	id := fs.Arg(0)
	resp, err := http.Post(*serverURL+"/api/v1/documents/"+id+"/"+action, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "%s failed (%d): %s\n", action, resp.StatusCode, string(b))
		os.Exit(1)
	}
	var rec models.ProcessingRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}
	printRecord(&rec)
}

// Components holds initialized services.
type Components struct {
	Store    *storage.SQLiteStore
	Images   *storage.ImageStore
	Indexer  *indexer.BleveIndexer
	Pipeline *pipeline.Pipeline
}

func (c *Components) Close() {
	if c.Indexer != nil {
		_ = c.Indexer.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// buildProviders assembles the provider fallback chain from config, in
// configured order. Unknown types are skipped with a warning.
func buildProviders(cfgs []config.ProviderConfig, logger *zap.Logger) []provider.Provider {
	var providers []provider.Provider
	for _, pc := range cfgs {
		if pc.Disabled {
			continue
		}
		switch pc.Type {
		case "gemini":
			providers = append(providers, provider.NewGeminiProvider(pc.Name, pc.Model, pc.Project, pc.Region))
		case "openai", "ollama":
			providers = append(providers, provider.NewOpenAIProvider(pc.Name, pc.Model, pc.BaseURL, pc.APIKeyEnv))
		case "rules":
			providers = append(providers, provider.NewRuleBasedProvider(pc.Name))
		default:
			if logger != nil {
				logger.Warn("unknown provider type skipped",
					zap.String("name", pc.Name),
					zap.String("type", pc.Type))
			}
		}
	}
	return providers
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	images, err := storage.NewImageStore(cfg.Storage.ImageStorePath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize image store: %w", err)
	}
	idx, err := indexer.NewBleveIndexer(cfg.Storage.IndexPath, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	providers := buildProviders(cfg.Providers, logger)
	if len(providers) == 0 {
		providers = []provider.Provider{provider.NewRuleBasedProvider("rules")}
	}

	verifier := verify.New(
		cfg.Verification.CoverageThreshold,
		cfg.Verification.FuzzySimilarity,
		cfg.Verification.CriticalTerms,
	)
	backoff := provider.NewBackoff(
		cfg.Pipeline.Backoff.MaxAttempts,
		time.Duration(cfg.Pipeline.Backoff.BaseDelayMs)*time.Millisecond,
		time.Duration(cfg.Pipeline.Backoff.MaxDelayMs)*time.Millisecond,
	)
	orch := orchestrate.New(providers, verifier,
		orchestrate.WithLogger(logger),
		orchestrate.WithBackoff(backoff),
		orchestrate.WithStageTimeout(time.Duration(cfg.Pipeline.StageTimeoutSecs)*time.Second),
		orchestrate.WithStandards(cfg.Verification.Standards),
	)
	normalizer := normalize.New(images, cfg.Pipeline.DPI, normalize.WithLogger(logger))
	p := pipeline.New(store, images, normalizer, orch,
		pipeline.WithLogger(logger),
		pipeline.WithIndexer(idx),
		pipeline.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
	)

	return &Components{
		Store:    store,
		Images:   images,
		Indexer:  idx,
		Pipeline: p,
	}, nil
}

func printUsage() {
	fmt.Println(`kakunin - Document analysis and verification pipeline

Usage:
  kakunin server [flags]                      Start the HTTP server
  kakunin ingest [flags] <file>               Ingest and process a document
  kakunin status [flags]                      Show record counts and disk usage
  kakunin release <approve|reject> [flags] <id>  Record a release decision
  kakunin resume [flags] <id>                 Retry a FAILED document from its failed phase
  kakunin restart [flags] <id>                Reprocess a document from scratch
  kakunin version                             Show version
  kakunin help                                Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kakunin/config.yaml)
  --debug            Enable debug logging (provider calls, inbox events, etc.)

Ingest Flags:
  --config string     Config file path (for local mode)
  --server string     Server URL (default: http://localhost:8080). Use empty (--server "") to process locally.
  --type-hint string  Document type hint (e.g. work_instruction, sop)
  --wait              Wait for processing to finish (default: true)

Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --output string    Output format: text or json (default: text)

Release Flags:
  --server string    Server URL (default: http://localhost:8080)
  --actor string     Who is making the decision (required)
  --comment string   Optional review comment

Examples:
  kakunin server
  kakunin ingest torque-instruction.pdf
  kakunin ingest --type-hint work_instruction assembly.docx
  kakunin status --output json
  kakunin release approve --actor qm.lead doc:3f2a...
  kakunin release reject --actor qm.lead --comment "missing revision block" doc:3f2a...
  kakunin resume doc:3f2a...`)
}
