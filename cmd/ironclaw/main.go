package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironclaw/ironclaw/internal/audit"
	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/compact"
	"github.com/ironclaw/ironclaw/internal/config"
	"github.com/ironclaw/ironclaw/internal/engine"
	"github.com/ironclaw/ironclaw/internal/guard"
	"github.com/ironclaw/ironclaw/internal/integrity"
	"github.com/ironclaw/ironclaw/internal/llm"
	otelpkg "github.com/ironclaw/ironclaw/internal/otel"
	"github.com/ironclaw/ironclaw/internal/persistence"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/sandbox/wasm"
	"github.com/ironclaw/ironclaw/internal/telemetry"
	"github.com/ironclaw/ironclaw/internal/tools"
	"github.com/ironclaw/ironclaw/internal/vault"
	"github.com/ironclaw/ironclaw/internal/workspace"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes: 0 success, 1 recoverable error, 2 configuration error,
// 3 integrity violation at startup.
const (
	exitOK        = 0
	exitError     = 1
	exitConfig    = 2
	exitIntegrity = 3
)

const ownerUserID = "owner"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                    Start the interactive chat REPL
  %s -daemon            Run headless (heartbeat and channels only)
  %s version            Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  IRONCLAW_HOME         Data directory (default: ~/.ironclaw)
  IRONCLAW_LOG_LEVEL    debug, info, warn, error
  OPENAI_API_KEY        Key for the default provider
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "run headless, no chat REPL")
	homeFlag := flag.String("home", "", "data directory (default: $IRONCLAW_HOME or ~/.ironclaw)")
	flag.Usage = printUsage
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "version":
			fmt.Println("ironclaw", Version)
			os.Exit(exitOK)
		case "help":
			printUsage()
			os.Exit(exitOK)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(exitConfig)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("IRONCLAW_HOME")
	}
	os.Exit(run(ctx, homeDir, !*daemon))
}

func run(ctx context.Context, homeDir string, interactive bool) int {
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return exitError
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	provider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return exitError
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	}()

	eventBus := bus.New()
	if metrics, err := otelpkg.NewMetrics(provider.Meter); err == nil {
		metrics.ObserveBus(ctx, eventBus)
	} else {
		logger.Warn("metrics disabled", "error", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Error("open audit log", "error", err)
		return exitError
	}
	defer audit.Close()

	store, err := persistence.Open(cfg.DatabaseURL, eventBus)
	if err != nil {
		logger.Error("open database", "error", err)
		return exitError
	}
	defer store.Close()
	audit.SetDB(store.DB())

	ws, err := workspace.Open(cfg.WorkspaceDir)
	if err != nil {
		logger.Error("open workspace", "error", err)
		return exitError
	}

	vlt, err := vault.Open(
		filepath.Join(cfg.HomeDir, "vault.json"),
		vault.FileKeychain{Path: filepath.Join(cfg.HomeDir, "vault.key")},
	)
	if err != nil {
		logger.Error("open vault", "error", err)
		return exitError
	}

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	pol, err := policy.Load(policyPath)
	if err != nil {
		logger.Error("load policy", "error", err)
		return exitConfig
	}
	livePolicy := policy.NewLivePolicy(pol, policyPath)

	// Integrity gate. Unrestored drift on identity files is fatal: the
	// agent must not run with a tampered persona.
	monitor := integrity.New(filepath.Join(cfg.HomeDir, "integrity"), logger)
	if cfg.Integrity.Mode == "alert" {
		targets := make([]integrity.Target, len(integrity.DefaultTargets))
		copy(targets, integrity.DefaultTargets)
		for i := range targets {
			if targets[i].Mode == integrity.ModeRestore {
				targets[i].Mode = integrity.ModeAlert
			}
		}
		monitor.SetTargets(targets)
	}
	if err := monitor.Load(); err != nil {
		logger.Error("load integrity state", "error", err)
		return exitError
	}
	if len(monitor.Status()) == 0 {
		if _, err := monitor.Init(cfg.WorkspaceDir); err != nil {
			logger.Error("capture integrity baselines", "error", err)
			return exitError
		}
	}
	for _, v := range monitor.Check(cfg.WorkspaceDir) {
		if !v.Restored {
			logger.Error("identity file drifted from baseline", "path", v.Path, "mode", v.Mode)
			return exitIntegrity
		}
		logger.Warn("identity file restored from baseline", "path", v.Path)
	}

	cmdGuard := guard.New(true, guard.FailMode(cfg.Guard.FailMode))

	registry := tools.NewRegistry(logger)
	if err := registry.RegisterBuiltins(tools.Deps{
		Workspace: ws,
		Store:     store,
		Guard:     cmdGuard,
		Executor:  &tools.HostExecutor{},
		Bus:       eventBus,
		Logger:    logger,
	}); err != nil {
		logger.Error("register builtin tools", "error", err)
		return exitError
	}

	host, err := wasm.NewHost(ctx, wasm.Config{
		Vault:            vlt,
		Workspace:        ws,
		Policy:           livePolicy,
		Bus:              eventBus,
		Invoker:          registry.Invoke,
		Logger:           logger,
		MemoryLimitPages: uint32(cfg.Sandbox.MemoryLimitPages),
		InvokeTimeout:    time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		FaultThreshold:   cfg.Sandbox.FaultThreshold,
	})
	if err != nil {
		logger.Error("start sandbox host", "error", err)
		return exitError
	}
	defer host.Close(context.Background())

	moduleWatcher := wasm.NewWatcher(cfg.Sandbox.ModuleDir, host, logger)
	tools.BindSandbox(registry, host, moduleWatcher, func(module string) (policy.CapabilitySet, policy.Limits) {
		return loadModuleGrants(cfg.Sandbox.ModuleDir, module, logger)
	})
	if err := moduleWatcher.Start(ctx); err != nil {
		logger.Warn("module watcher not running", "error", err)
	}

	router, primary, err := buildRouter(cfg, logger)
	if err != nil {
		logger.Error("llm providers", "error", err)
		return exitConfig
	}

	compactor := compact.NewCompactor(
		&routerSummarizer{router: router},
		compact.CompactorConfig{},
		logger,
	)

	eng := engine.New(engine.Config{
		AgentID:           cfg.AgentID,
		AgentName:         cfg.AgentName,
		LLMTimeout:        time.Duration(cfg.Engine.LLMTimeoutSeconds) * time.Second,
		MaxToolIterations: cfg.Engine.MaxToolIterations,
		DailyResetHour:    cfg.Engine.DailyResetHour,
		ContextLimit:      llm.ContextLimitForModel(primary.Name, primary.Model),
		ApprovalTimeout:   time.Duration(pol.ApprovalTimeoutSeconds) * time.Second,
	}, engine.Deps{
		Client:    router,
		Registry:  registry,
		Store:     store,
		Workspace: ws,
		Integrity: monitor,
		Compactor: compactor,
		Bus:       eventBus,
		Logger:    logger,
	})

	scheduler := engine.NewScheduler(engine.SchedulerConfig{
		MaxParallelJobs: cfg.Scheduler.MaxParallelJobs,
		MailboxSize:     cfg.Scheduler.MailboxSize,
	}, eng, logger)
	scheduler.Start(ctx)
	defer scheduler.Close()

	thread, err := store.LatestThread(ctx, ownerUserID, cfg.AgentID, persistence.SessionKindMain)
	if err != nil {
		logger.Error("resume thread", "error", err)
		return exitError
	}
	if thread == nil {
		if thread, err = store.CreateThread(ctx, ownerUserID, cfg.AgentID, persistence.SessionKindMain, "cli"); err != nil {
			logger.Error("create thread", "error", err)
			return exitError
		}
	}

	if err := eng.RunBoot(ctx, thread); err != nil {
		logger.Warn("boot checklist failed", "error", err)
	}

	if cfg.Engine.HeartbeatSpec != "" {
		heartbeat := engine.NewHeartbeat(engine.HeartbeatConfig{
			Spec:      cfg.Engine.HeartbeatSpec,
			ModuleDir: cfg.Sandbox.ModuleDir,
		}, engine.HeartbeatDeps{
			Scheduler: scheduler,
			Workspace: ws,
			Monitor:   monitor,
			Host:      host,
			Bus:       eventBus,
			Logger:    logger,
		})
		if err := heartbeat.Start(ctx, thread); err != nil {
			logger.Warn("heartbeat not scheduled", "error", err)
		} else {
			defer heartbeat.Stop()
		}
	}

	watchConfig(ctx, cfg, livePolicy, policyPath, logger)

	logger.Info("ironclaw running",
		"version", Version, "agent", cfg.AgentID, "home", cfg.HomeDir, "interactive", interactive)

	if !interactive {
		<-ctx.Done()
		return exitOK
	}
	return repl(ctx, eng, scheduler, eventBus, thread)
}

// buildRouter constructs the provider failover chain from config,
// skipping providers whose key env is unset.
func buildRouter(cfg *config.Config, logger *slog.Logger) (*llm.Router, config.LLMProvider, error) {
	var clients []llm.Client
	var first config.LLMProvider
	for _, p := range cfg.Providers() {
		key := ""
		if p.APIKeyEnv != "" {
			key = os.Getenv(p.APIKeyEnv)
			if key == "" {
				logger.Warn("provider skipped, key env unset", "provider", p.Name, "env", p.APIKeyEnv)
				continue
			}
		}
		if len(clients) == 0 {
			first = p
		}
		clients = append(clients, llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:    p.Name,
			Model:   p.Model,
			APIKey:  key,
			BaseURL: p.BaseURL,
		}))
	}
	if len(clients) == 0 {
		return nil, first, fmt.Errorf("no usable provider: set an API key or configure llm.providers")
	}
	router := llm.NewRouter(clients,
		cfg.LLM.BreakerThreshold,
		time.Duration(cfg.LLM.BreakerCooldownSeconds)*time.Second,
		logger,
	)
	return router, first, nil
}

// routerSummarizer adapts the router to the compactor's Summarizer.
type routerSummarizer struct {
	router *llm.Router
}

func (s *routerSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.router.Complete(ctx, "compaction", llm.Request{
		Messages: []llm.Message{llm.User(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// moduleGrants is the sidecar format next to each module artifact:
// <module>.caps.yaml with capability and limit sections. A module
// without a sidecar gets the zero capability set, which grants nothing.
type moduleGrants struct {
	Capabilities policy.CapabilitySet `yaml:"capabilities"`
	Limits       policy.Limits        `yaml:"limits"`
}

func loadModuleGrants(moduleDir, module string, logger *slog.Logger) (policy.CapabilitySet, policy.Limits) {
	var grants moduleGrants
	data, err := os.ReadFile(filepath.Join(moduleDir, module+".caps.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("module grants unreadable", "module", module, "error", err)
		}
		return grants.Capabilities, grants.Limits
	}
	if err := yaml.Unmarshal(data, &grants); err != nil {
		logger.Warn("module grants malformed, granting nothing", "module", module, "error", err)
		return policy.CapabilitySet{}, policy.Limits{}
	}
	return grants.Capabilities, grants.Limits
}

// watchConfig hot-reloads policy.yaml edits. config.yaml changes need a
// restart; they are logged so the operator knows the running values are
// stale.
func watchConfig(ctx context.Context, cfg *config.Config, live *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher not running", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				switch filepath.Base(ev.Path) {
				case "policy.yaml":
					if err := policy.ReloadFromFile(live, policyPath); err != nil {
						logger.Warn("policy reload failed", "error", err)
					} else {
						logger.Info("policy reloaded", "version", live.PolicyVersion())
					}
				case "config.yaml":
					logger.Info("config.yaml changed; restart to apply")
				}
			}
		}
	}()
}

// repl is the interactive surface: lines in, replies out. Approval
// requests and heartbeat notifications interleave on the same terminal.
func repl(ctx context.Context, eng *engine.Engine, scheduler *engine.Scheduler, eventBus *bus.Bus, thread *persistence.Thread) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	approvals := eventBus.Subscribe(bus.TopicApprovalRequest)
	defer eventBus.Unsubscribe(approvals)
	beats := eventBus.Subscribe(bus.TopicHeartbeat)
	defer eventBus.Unsubscribe(beats)

	results := make(chan engine.Result, 1)
	var pendingApproval *bus.ApprovalRequest
	busy := false

	fmt.Println("ironclaw ready. /new starts a fresh thread, /quit exits.")
	prompt := func() {
		if !busy && pendingApproval == nil {
			fmt.Print("> ")
		}
	}
	prompt()

	for {
		select {
		case <-ctx.Done():
			return exitOK

		case line, ok := <-lines:
			if !ok {
				return exitOK
			}
			line = strings.TrimSpace(line)

			if pendingApproval != nil {
				action, reason := "reject", "declined at terminal"
				if answer := strings.ToLower(line); answer == "y" || answer == "yes" {
					action, reason = "approve", ""
				}
				eventBus.Publish(bus.TopicApprovalReply, bus.ApprovalResponse{
					RequestID: pendingApproval.RequestID, Action: action, Reason: reason,
				})
				pendingApproval = nil
				continue
			}

			switch {
			case line == "":
				prompt()
			case line == "/quit" || line == "/exit":
				return exitOK
			case line == "/new":
				fresh, err := eng.NewThread(ctx, thread)
				if err != nil {
					fmt.Println("error:", err)
				} else {
					thread = fresh
					fmt.Println("started thread", thread.ID)
				}
				prompt()
			default:
				if busy {
					fmt.Println("(still thinking, hold on)")
					continue
				}
				if err := scheduler.Submit(engine.Submission{Thread: thread, Text: line, Reply: results}); err != nil {
					fmt.Println("error:", err)
					prompt()
					continue
				}
				busy = true
			}

		case res := <-results:
			busy = false
			if res.Thread != nil {
				thread = res.Thread
			}
			if res.Err != nil {
				fmt.Println("error:", res.Err)
			} else if res.Reply != "" && res.Reply != engine.NoReplyToken {
				fmt.Println(res.Reply)
			}
			prompt()

		case ev := <-approvals.Ch():
			req, ok := ev.Payload.(bus.ApprovalRequest)
			if !ok {
				continue
			}
			pendingApproval = &req
			fmt.Printf("\napproval required: %s %s\nallow? [y/N]: ", req.ToolName, req.Summary)

		case ev := <-beats.Ch():
			if beat, ok := ev.Payload.(bus.HeartbeatEvent); ok {
				fmt.Printf("\n[heartbeat] %s\n", beat.Message)
				prompt()
			}
		}
	}
}
