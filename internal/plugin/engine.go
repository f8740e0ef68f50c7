package plugin

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/internal/logging"
)

// The fixed hook catalog. A plugin participates in a hook by returning
// a handler for its name from Hooks().
const (
	HookBeforeRequest  = "beforeRequest"
	HookAfterRequest   = "afterRequest"
	HookBeforeAuth     = "beforeAuth"
	HookAfterAuth      = "afterAuth"
	HookBeforeRouting  = "beforeRouting"
	HookAfterRouting   = "afterRouting"
	HookBeforeCache    = "beforeCache"
	HookAfterCache     = "afterCache"
	HookBeforeResponse = "beforeResponse"
	HookAfterResponse  = "afterResponse"
	HookOnError        = "onError"
	HookOnStartup      = "onStartup"
	HookOnShutdown     = "onShutdown"
)

// HookNames lists every valid hook.
var HookNames = []string{
	HookBeforeRequest, HookAfterRequest,
	HookBeforeAuth, HookAfterAuth,
	HookBeforeRouting, HookAfterRouting,
	HookBeforeCache, HookAfterCache,
	HookBeforeResponse, HookAfterResponse,
	HookOnError, HookOnStartup, HookOnShutdown,
}

var validHooks = func() map[string]bool {
	m := make(map[string]bool, len(HookNames))
	for _, h := range HookNames {
		m[h] = true
	}
	return m
}()

// Context is the mutable bag handed to hook handlers. A handler may
// return a partial Context which is merged over the current one.
type Context map[string]any

// Handler observes or mutates the context at one hook point.
type Handler func(ctx Context) (Context, error)

// Metadata describes a plugin.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// Plugin is one loadable extension.
type Plugin interface {
	Metadata() Metadata
	// Hooks returns the handlers this plugin registers, keyed by hook
	// name from the catalog.
	Hooks() map[string]Handler
	// Cleanup releases plugin resources on unload.
	Cleanup() error
}

// Factory builds a plugin instance from its configuration.
type Factory func(cfg map[string]string) (Plugin, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a plugin factory under a name. Typically called
// from init in the plugin's package.
func Register(name string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = f
}

func lookupFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

type loaded struct {
	plugin Plugin
	config map[string]string
}

// Engine owns the loaded plugins and fans hook invocations out to
// their handlers in registration order.
type Engine struct {
	mu       sync.RWMutex
	plugins  []string // registration order
	byName   map[string]*loaded
	handlers map[string][]namedHandler
}

type namedHandler struct {
	plugin  string
	handler Handler
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		byName:   make(map[string]*loaded),
		handlers: make(map[string][]namedHandler),
	}
}

// Load instantiates a registered plugin and wires its hook handlers.
func (e *Engine) Load(name string, cfg map[string]string) error {
	factory, ok := lookupFactory(name)
	if !ok {
		return fmt.Errorf("unknown plugin %q", name)
	}
	p, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("plugin %q init: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byName[name]; exists {
		return fmt.Errorf("plugin %q already loaded", name)
	}

	for hook, handler := range p.Hooks() {
		if !validHooks[hook] {
			logging.Warn("plugin declares unknown hook",
				zap.String("plugin", name),
				zap.String("hook", hook))
			continue
		}
		e.handlers[hook] = append(e.handlers[hook], namedHandler{plugin: name, handler: handler})
	}
	e.plugins = append(e.plugins, name)
	e.byName[name] = &loaded{plugin: p, config: cfg}

	logging.Info("plugin loaded",
		zap.String("plugin", name),
		zap.String("version", p.Metadata().Version))
	return nil
}

// Unload removes a plugin and invokes its Cleanup.
func (e *Engine) Unload(name string) error {
	e.mu.Lock()
	l, ok := e.byName[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("plugin %q not loaded", name)
	}
	delete(e.byName, name)
	for i, n := range e.plugins {
		if n == name {
			e.plugins = append(e.plugins[:i], e.plugins[i+1:]...)
			break
		}
	}
	for hook, hs := range e.handlers {
		kept := hs[:0]
		for _, h := range hs {
			if h.plugin != name {
				kept = append(kept, h)
			}
		}
		e.handlers[hook] = kept
	}
	e.mu.Unlock()

	if err := l.plugin.Cleanup(); err != nil {
		logging.Warn("plugin cleanup failed",
			zap.String("plugin", name),
			zap.Error(err))
	}
	logging.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// Reload unloads and re-loads a plugin with its previous config.
func (e *Engine) Reload(name string) error {
	e.mu.RLock()
	l, ok := e.byName[name]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q not loaded", name)
	}
	cfg := l.config

	if err := e.Unload(name); err != nil {
		return err
	}
	return e.Load(name, cfg)
}

// Fire invokes every handler registered for the hook in registration
// order. Handler failures are logged and isolated; remaining handlers
// still run. Partial contexts returned by handlers merge over ctx.
func (e *Engine) Fire(hook string, ctx Context) Context {
	e.mu.RLock()
	handlers := e.handlers[hook]
	e.mu.RUnlock()

	if len(handlers) == 0 {
		return ctx
	}
	if ctx == nil {
		ctx = Context{}
	}

	for _, nh := range handlers {
		out, err := nh.handler(ctx)
		if err != nil {
			logging.Warn("plugin hook failed",
				zap.String("plugin", nh.plugin),
				zap.String("hook", hook),
				zap.Error(err))
			continue
		}
		for k, v := range out {
			ctx[k] = v
		}
	}
	return ctx
}

// List returns the metadata of loaded plugins in registration order.
func (e *Engine) List() []Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Metadata, 0, len(e.plugins))
	for _, name := range e.plugins {
		out = append(out, e.byName[name].plugin.Metadata())
	}
	return out
}

// Startup fires the onStartup hook.
func (e *Engine) Startup() {
	e.Fire(HookOnStartup, Context{})
}

// Shutdown fires onShutdown and unloads every plugin in reverse
// registration order.
func (e *Engine) Shutdown() {
	e.Fire(HookOnShutdown, Context{})

	e.mu.RLock()
	names := append([]string(nil), e.plugins...)
	e.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := e.Unload(names[i]); err != nil {
			logging.Warn("plugin unload failed",
				zap.String("plugin", names[i]),
				zap.Error(err))
		}
	}
}
