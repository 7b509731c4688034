// Package wasm runs untrusted tool modules under a capability-gated host
// interface. Modules are compiled once and verified against a SHA-256
// baseline; every invocation gets a fresh instance with cleared linear
// memory, a wall-clock deadline, and a memory-page cap.
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ironclaw/ironclaw/internal/audit"
	"github.com/ironclaw/ironclaw/internal/bus"
	"github.com/ironclaw/ironclaw/internal/policy"
	"github.com/ironclaw/ironclaw/internal/vault"
	"github.com/ironclaw/ironclaw/internal/workspace"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for module invocations.
const (
	FaultModuleNotFound  = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultExecError       = "WASM_FAULT"
	FaultQuarantined     = "WASM_QUARANTINED"
	FaultTampered        = "WASM_TAMPERED_ARTIFACT"
	FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"
)

// Fault is a structured error emitted by module loading and invocation.
type Fault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// Host-call errors surfaced to the agent loop as tool results.
var (
	ErrSecretLeak         = errors.New("secret leak detected")
	ErrAllowlistViolation = errors.New("url not in outbound allowlist")
	ErrCapabilityDenied   = errors.New("capability denied")
	ErrInvokeDepth        = errors.New("tool invocation depth exceeded")
	ErrNoInvocation       = errors.New("no invocation bound to context")
)

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultAggregateMemoryLimitPages is 640 pages = 40MB across all modules.
const DefaultAggregateMemoryLimitPages uint32 = 640

// DefaultInvokeTimeout is the wall-clock limit for one invocation.
const DefaultInvokeTimeout = 30 * time.Second

// DefaultMaxInvokeDepth bounds tools.invoke recursion within one turn.
const DefaultMaxInvokeDepth = 3

// DefaultFaultThreshold is how many faults quarantine a module.
const DefaultFaultThreshold = 3

// ToolInvoker resolves a tools.invoke host call through the registry.
type ToolInvoker func(ctx context.Context, name, args string) (string, error)

type Config struct {
	Vault     *vault.Vault
	Workspace *workspace.Workspace
	Policy    policy.Checker
	Bus       *bus.Bus
	Invoker   ToolInvoker
	Logger    *slog.Logger

	// MemoryLimitPages caps memory per instance (1 page = 64KB). 0 uses
	// DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps total declared memory across all
	// loaded modules. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per invocation.
	InvokeTimeout time.Duration
	// MaxInvokeDepth caps tools.invoke recursion per turn.
	MaxInvokeDepth int
	// FaultThreshold is the fault count that quarantines a module.
	FaultThreshold int
}

type Host struct {
	vaultStore *vault.Vault
	ws         *workspace.Workspace
	policy     policy.Checker
	bus        *bus.Bus
	invoker    ToolInvoker
	logger     *slog.Logger

	runtime        wazero.Runtime
	httpClient     *http.Client
	invokeTimeout  time.Duration
	maxInvokeDepth int
	faultThreshold int

	hostFunctions map[string]struct{}

	modulesMu            sync.Mutex
	compiled             map[string]wazero.CompiledModule
	checksums            map[string]string
	moduleMemoryPages    map[string]uint32
	aggregateMemoryLimit uint32
	faultCounts          map[string]int
	quarantined          map[string]bool
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}

	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}
	maxDepth := cfg.MaxInvokeDepth
	if maxDepth == 0 {
		maxDepth = DefaultMaxInvokeDepth
	}
	threshold := cfg.FaultThreshold
	if threshold == 0 {
		threshold = DefaultFaultThreshold
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		vaultStore:           cfg.Vault,
		ws:                   cfg.Workspace,
		policy:               cfg.Policy,
		bus:                  cfg.Bus,
		invoker:              cfg.Invoker,
		logger:               cfg.Logger,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		httpClient:           &http.Client{Timeout: 30 * time.Second},
		invokeTimeout:        invokeTimeout,
		maxInvokeDepth:       maxDepth,
		faultThreshold:       threshold,
		hostFunctions:        map[string]struct{}{},
		compiled:             map[string]wazero.CompiledModule{},
		checksums:            map[string]string{},
		moduleMemoryPages:    map[string]uint32{},
		aggregateMemoryLimit: aggLimit,
		faultCounts:          map[string]int{},
		quarantined:          map[string]bool{},
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPRequest).Export("http.request")
	builder.NewFunctionBuilder().WithFunc(h.hostSecretsInject).Export("secrets.inject")
	builder.NewFunctionBuilder().WithFunc(h.hostToolsInvoke).Export("tools.invoke")
	builder.NewFunctionBuilder().WithFunc(h.hostWorkspaceRead).Export("workspace.read")
	builder.NewFunctionBuilder().WithFunc(h.hostWorkspaceWrite).Export("workspace.write")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	builder.NewFunctionBuilder().WithFunc(h.hostTimeNow).Export("time.now")
	builder.NewFunctionBuilder().WithFunc(h.hostRandomBytes).Export("random.bytes")

	for _, name := range []string{
		"http.request", "secrets.inject", "tools.invoke",
		"workspace.read", "workspace.write", "log", "time.now", "random.bytes",
	} {
		h.hostFunctions[name] = struct{}{}
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, compiled := range h.compiled {
		_ = compiled.Close(ctx)
		delete(h.compiled, name)
		delete(h.checksums, name)
		delete(h.moduleMemoryPages, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.compiled[name]
	return ok
}

// Checksum returns the SHA-256 hex of a loaded module, or "" if unknown.
// The heartbeat re-verifies artifacts on disk against these.
func (h *Host) Checksum(name string) string {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	return h.checksums[name]
}

// MemoryStats returns aggregate declared pages, a per-module breakdown,
// and the configured limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.moduleMemoryPages))
	for name, pages := range h.moduleMemoryPages {
		aggregatePages += pages
		perModule[name] = pages
	}
	limit = h.aggregateMemoryLimit
	return
}

// LoadModuleFromFile loads a module artifact, using a "<path>.sha256"
// sidecar as the checksum baseline when one exists.
func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	expected := ""
	if sidecar, err := os.ReadFile(srcPath + ".sha256"); err == nil {
		expected = strings.TrimSpace(string(sidecar))
	}
	return h.LoadModule(ctx, moduleNameFromPath(srcPath), wasmBytes, expected)
}

// LoadModule compiles and registers a module. When expectedSHA256 is
// non-empty the artifact must hash to it; a mismatch is a tampered
// artifact and the module is refused.
func (h *Host) LoadModule(ctx context.Context, name string, wasmBytes []byte, expectedSHA256 string) error {
	actual := sha256Hex(wasmBytes)
	if expectedSHA256 != "" && !strings.EqualFold(expectedSHA256, actual) {
		audit.Record("deny", "sandbox.load", "checksum mismatch", h.policy.PolicyVersion(), "module:"+name)
		return &Fault{
			Reason: FaultTampered,
			Module: name,
			Detail: fmt.Sprintf("checksum mismatch: want %s got %s", expectedSHA256, actual),
		}
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	// Declared memory from the module's memory sections. Min() is the
	// initial page count; every module costs at least one page of budget.
	var declaredPages uint32
	for _, def := range compiled.ImportedMemories() {
		declaredPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		declaredPages += def.Min()
	}
	if declaredPages == 0 {
		declaredPages = 1
	}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()

	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+declaredPages > h.aggregateMemoryLimit {
		_ = compiled.Close(ctx)
		return &Fault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, declaredPages, h.aggregateMemoryLimit),
		}
	}

	if old, ok := h.compiled[name]; ok {
		_ = old.Close(ctx)
	}
	h.compiled[name] = compiled
	h.checksums[name] = actual
	h.moduleMemoryPages[name] = declaredPages
	// A fresh artifact clears the module's fault history.
	delete(h.faultCounts, name)
	delete(h.quarantined, name)

	var aggregate uint32
	for _, pages := range h.moduleMemoryPages {
		aggregate += pages
	}
	h.logger.Info("wasm module loaded", "module", name, "sha256", actual,
		"memory_pages", declaredPages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

// Invoke runs a loaded module's entrypoint on a fresh instance. The input
// string is handed to an entry export taking (ptr, len); entries with no
// parameters are called bare and their integer result stringified.
func (h *Host) Invoke(ctx context.Context, moduleName, input string) (string, error) {
	h.modulesMu.Lock()
	if h.quarantined[moduleName] {
		h.modulesMu.Unlock()
		h.logger.Warn("module quarantined, invocation denied", "module", moduleName)
		return "", &Fault{Reason: FaultQuarantined, Module: moduleName, Detail: "quarantined after repeated faults"}
	}
	compiled, ok := h.compiled[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return "", &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	// Anonymous instance per invocation: linear memory starts cleared and
	// nothing survives into the next call.
	instance, err := h.runtime.InstantiateModule(invokeCtx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		fault := classifyFault(moduleName, err)
		h.recordFault(ctx, moduleName, fault)
		return "", fault
	}
	defer instance.Close(ctx)

	for _, fnName := range []string{"run", "invoke", "main"} {
		fn := instance.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := h.callEntry(invokeCtx, instance, fn, input)
		if err != nil {
			fault := classifyFault(moduleName, err)
			h.logger.Warn("module invocation fault", "module", moduleName, "fn", fnName, "reason", fault.Reason)
			h.recordFault(ctx, moduleName, fault)
			return "", fault
		}
		return h.decodeResult(instance, results), nil
	}
	return "", &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "no callable entry export found"}
}

func (h *Host) callEntry(ctx context.Context, instance api.Module, fn api.Function, input string) ([]uint64, error) {
	params := fn.Definition().ParamTypes()
	if len(params) >= 2 {
		ptr, length, err := writeGuestBytes(ctx, instance, []byte(input))
		if err != nil {
			return nil, err
		}
		return fn.Call(ctx, uint64(ptr), uint64(length))
	}
	return fn.Call(ctx)
}

// decodeResult interprets an entry's return value. A single i64 is
// treated as a packed (ptr<<32 | len) pointer into guest memory; anything
// else is stringified.
func (h *Host) decodeResult(instance api.Module, results []uint64) string {
	if len(results) == 0 {
		return ""
	}
	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if ptr > 0 && length > 0 {
		if s, ok := readGuestString(instance, ptr, length); ok {
			return s
		}
	}
	return strconv.FormatInt(int64(int32(packed)), 10)
}

// recordFault counts a fault against the module and quarantines it once
// the threshold is reached.
func (h *Host) recordFault(ctx context.Context, moduleName string, fault *Fault) {
	h.modulesMu.Lock()
	h.faultCounts[moduleName]++
	count := h.faultCounts[moduleName]
	crossed := count >= h.faultThreshold && !h.quarantined[moduleName]
	if crossed {
		h.quarantined[moduleName] = true
	}
	h.modulesMu.Unlock()

	if h.bus != nil {
		h.bus.Publish(bus.TopicSandboxFault, fault)
	}
	if crossed {
		h.logger.Warn("module quarantined after repeated faults", "module", moduleName, "faults", count)
		audit.Record("quarantine", "sandbox.invoke", "fault threshold exceeded", h.policy.PolicyVersion(), "module:"+moduleName)
	}
}

// Quarantined reports whether a module is refusing invocations.
func (h *Host) Quarantined(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	return h.quarantined[name]
}

// ClearQuarantine lifts a quarantine after operator review.
func (h *Host) ClearQuarantine(name string) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	delete(h.quarantined, name)
	delete(h.faultCounts, name)
}

// classifyFault maps a WASM execution error to a deterministic Fault.
func classifyFault(moduleName string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	// wazero raises sys.ExitError on context-driven termination.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: msg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: msg}
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// readGuestString reads a string from guest linear memory.
func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeGuestBytes copies data into guest memory via the module's exported
// alloc function.
func writeGuestBytes(ctx context.Context, module api.Module, data []byte) (uint32, uint32, error) {
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, 0, fmt.Errorf("guest does not export alloc")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, 0, fmt.Errorf("guest alloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("guest memory write failed at %d", ptr)
	}
	return ptr, uint32(len(data)), nil
}
