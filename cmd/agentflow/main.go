// Command agentflow runs the multi-project AI-agent orchestration
// engine: it loads the project configuration, wires the context index,
// relevance filter, dependency tracker, and background scheduler per
// project, and serves the command loop on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentflow/pkg/agents"
	"agentflow/pkg/background"
	"agentflow/pkg/config"
	"agentflow/pkg/contextmgr"
	"agentflow/pkg/deptrack"
	"agentflow/pkg/index"
	"agentflow/pkg/logx"
	"agentflow/pkg/orchestrator"
	"agentflow/pkg/proto"
	"agentflow/pkg/storage"
)

// Exit codes.
const (
	exitOK      = 0
	exitInit    = 1
	exitStorage = 2
)

func main() {
	os.Exit(run())
}

//nolint:cyclop // top-level wiring is inherently sequential
func run() int {
	configPath := flag.String("config", "config/projects.yaml", "path to the projects configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty disables)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logx.NewLogger("main")
	if *debug {
		logx.SetDebug(true)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration: %v", err)
		return exitInit
	}

	registry := agents.NewRegistry()
	registry.RegisterDefaults()
	if cfg.AnthropicAPIKey != "" {
		// The Claude capability is optional; the built-ins stay as the
		// fallback for agent types it does not cover.
		registry.Register(agents.NewClaudeAgent(agents.TypeCode, cfg.AnthropicAPIKey, "",
			map[string]bool{agents.CapFeatureImplementation: true}))
		logger.Info("claude-backed code agent enabled")
	}

	scheduler := background.NewScheduler(cfg.Scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Context components for the primary project feed the scheduler's
	// default handlers; each project still gets its own index, filter,
	// and watcher.
	var watchers []*deptrack.Watcher
	var indices []*index.Index
	var deps background.Deps
	for i := range cfg.Projects {
		pc := &cfg.Projects[i]
		store, err := storage.NewProjectStorage(pc.Path)
		if err != nil {
			logger.Error("project %s: %v", pc.Name, err)
			return exitStorage
		}

		idx, err := index.New(pc.Path, store.IndexPath())
		if err != nil {
			logger.Error("project %s: failed to open context index: %v", pc.Name, err)
			return exitStorage
		}
		indices = append(indices, idx)

		memory, err := contextmgr.NewMemoryStore(store.LearningDir())
		if err != nil {
			logger.Error("project %s: %v", pc.Name, err)
			return exitStorage
		}
		filter, err := contextmgr.NewFilter(idx, memory)
		if err != nil {
			logger.Error("project %s: %v", pc.Name, err)
			return exitInit
		}

		tracker := deptrack.NewTracker(pc.Path)
		if _, err := tracker.Scan(ctx); err != nil {
			logger.Warn("project %s: initial dependency scan failed: %v", pc.Name, err)
		}
		watcher := deptrack.NewWatcher(tracker, cfg.Watcher)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("project %s: watcher disabled: %v", pc.Name, err)
		} else {
			watchers = append(watchers, watcher)
		}

		if i == 0 {
			deps = background.Deps{Index: idx, Warmer: filter, Learner: memory, Analyzer: tracker}
		}
	}
	scheduler.RegisterDefaultHandlers(deps)
	scheduler.Start(ctx)

	orch, err := orchestrator.New(cfg, registry, scheduler)
	if err != nil {
		if errors.Is(err, storage.ErrStorage) {
			logger.Error("storage failure during startup: %v", err)
			return exitStorage
		}
		logger.Error("failed to initialize orchestrator: %v", err)
		return exitInit
	}
	orch.Start(ctx)

	// Initial index build happens off the command path.
	if _, err := scheduler.Submit(background.TaskIndexUpdate, background.PriorityHigh, nil, nil); err != nil {
		logger.Warn("initial index build submit failed: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped: %v", err)
			}
		}()
		logger.Info("metrics available at http://%s/metrics", *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(lines)

	logger.Info("ready; enter commands (e.g. /state, /epic description=\"...\")")
	projectName := firstProjectName(cfg)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received %s, shutting down", sig)
			shutdown(orch, scheduler, watchers, indices)
			return exitOK
		case line, ok := <-lines:
			if !ok {
				shutdown(orch, scheduler, watchers, indices)
				return exitOK
			}
			raw, target, params := parseLine(line, projectName)
			if raw == "" {
				continue
			}
			result := orch.HandleCommand(ctx, raw, target, params)
			printResult(result)
		}
	}
}

func shutdown(orch *orchestrator.Orchestrator, scheduler *background.Scheduler, watchers []*deptrack.Watcher, indices []*index.Index) {
	for _, w := range watchers {
		w.Stop()
	}
	orch.Shutdown(orchestrator.DefaultShutdownGrace)
	scheduler.Stop()
	for _, idx := range indices {
		_ = idx.Close()
	}
}

func firstProjectName(cfg *config.Config) string {
	if len(cfg.Projects) > 0 {
		return cfg.Projects[0].Name
	}
	return "default"
}

func readLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

// splitFields splits on whitespace while keeping quoted values intact.
func splitFields(line string) []string {
	var fields []string
	var current strings.Builder
	inQuote := byte(0)
	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return fields
}

// parseLine splits an input line into the command string and key=value
// parameters. A project=<name> parameter selects the target project.
func parseLine(line, defaultProject string) (string, string, proto.Params) {
	fields := splitFields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "", defaultProject, nil
	}

	var commandParts []string
	params := proto.Params{}
	project := defaultProject
	for _, field := range fields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			commandParts = append(commandParts, field)
			continue
		}
		if key == "project" {
			project = value
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else if strings.Contains(value, ",") {
			params[key] = strings.Split(value, ",")
		} else {
			params[key] = value
		}
	}
	return strings.Join(commandParts, " "), project, params
}

func printResult(result proto.Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("{\"ok\": false, \"error\": %q}\n", err.Error())
		return
	}
	fmt.Println(string(data))
}
