package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recallhq/recall/internal/bus"
	"github.com/recallhq/recall/internal/channel"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/cron"
	"github.com/recallhq/recall/internal/memory"
	"github.com/recallhq/recall/internal/rules"
	"github.com/recallhq/recall/internal/store"
)

// Runtime interface for agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime interface
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
}

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	return newRuntime(cfg, sysPrompt)
}

func newRuntime(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:  config.ConfigDir(),
		ModelFactory: provider,
		SystemPrompt: sysPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

const summarizerSystemPrompt = "You condense conversation histories. Produce a compact summary that preserves stable facts about the user, open topics, and decisions made. Respond with the summary text only."

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	runtime    Runtime
	summarizer Runtime
	channels   *channel.ChannelManager
	cron       *cron.Service

	pool       *pgxpool.Pool
	local      *store.FileStore
	failover   *memory.FailoverController
	tiers      *memory.TierStore
	resolver   *memory.AccountResolver
	contextMem *memory.ContextCache
	reconciler *memory.Reconciler
	rules      *rules.Manager

	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg}

	// Message bus
	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	// Local file store is always available; it backs the fallback path and
	// shadows every remote write.
	// short_term is deliberately uncapped at the file layer: the tier store
	// owns the cap and promotes overflow into mid_term, which a truncating
	// Append would throw away first.
	local, err := store.NewFileStore(cfg.Storage.DataDir,
		store.WithTierCaps(map[store.Tier]int{
			store.TierMidTerm: cfg.Memory.MidTermCap,
		}),
		store.WithAccountTTL(config.DefaultTempAccountTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	g.local = local

	// Remote backend is optional: without a DSN the gateway runs local-only.
	var remote store.Backend
	if dsn := strings.TrimSpace(cfg.Storage.RemoteDSN); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("create pg pool: %w", err)
		}
		pg, err := store.NewPostgresStore(pool, store.WithTimeout(cfg.RemoteTimeout()))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create postgres store: %w", err)
		}
		setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.Setup(setupCtx); err != nil {
			log.Printf("[gateway] postgres setup warning: %v", err)
		}
		cancel()
		g.pool = pool
		remote = pg
	}

	g.failover = memory.NewFailoverController(remote, cfg.Storage.FailureThreshold)
	g.tiers = memory.NewTierStore(remote, local, g.failover, memory.Limits{
		ShortTermCap:    cfg.Memory.ShortTermCap,
		ShortTermWindow: cfg.ShortTermWindow(),
		MidTermCap:      cfg.Memory.MidTermCap,
	})
	g.resolver = memory.NewAccountResolver(remote, local, g.failover)
	if remote != nil {
		g.reconciler = memory.NewReconciler(remote, local)
		g.failover.OnRecover(func() {
			// Summaries cached during the outage describe the fallback's
			// view of history, so they go first.
			g.contextMem.InvalidateAll()
			go g.reconciler.Run(context.Background())
		})
	}

	// Behavior rules feed the system prompt.
	rm, err := rules.NewManager(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create rules manager: %w", err)
	}
	g.rules = rm

	// Create runtimes using factory (allows injection for testing)
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg, g.buildSystemPrompt())
	if err != nil {
		return nil, err
	}
	g.runtime = rt

	sumCfg := *cfg
	if m := strings.TrimSpace(cfg.Agent.SummarizerModel); m != "" {
		sumCfg.Agent.Model = m
	}
	sumCfg.Agent.MaxTokens = config.DefaultSummaryMaxTokens
	sumRT, err := factory(&sumCfg, summarizerSystemPrompt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("create summarizer runtime: %w", err)
	}
	g.summarizer = sumRT

	g.contextMem = memory.NewContextCache(g.tiers, &runtimeSummarizer{runtime: sumRT})

	// Signal channel for testing
	g.signalChan = opts.SignalChan

	// Cron
	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath)
	g.cron.OnJob = func(job cron.Job) (string, error) {
		if job.Payload.Kind == cron.PayloadSystem {
			return g.runSystemJob(job.Payload.Action)
		}

		result, err := g.runAgent(context.Background(), job.Payload.Message, "cron:"+job.ID)
		if err != nil {
			return "", err
		}
		if job.Payload.Channel != "" && job.Payload.ChatID != "" {
			g.bus.Outbound <- bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.ChatID,
				Content: result,
			}
		}
		return result, nil
	}

	// Channels (with gateway config for WebUI port, gateway as status source)
	chMgr, err := channel.NewChannelManagerWithGateway(cfg.Channels, cfg.Gateway, g.bus, g)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are Recall, a conversational assistant with tiered long-term memory. ")
	sb.WriteString("Recent messages arrive as conversation context; older history is provided as a summary block when available.\n\n")
	sb.WriteString(g.rules.Formatted())
	sb.WriteString("\n")
	return sb.String()
}

// runtimeSummarizer adapts the summarizer runtime to the memory package.
type runtimeSummarizer struct {
	runtime Runtime
}

func (s *runtimeSummarizer) Summarize(ctx context.Context, msgs []store.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the conversation below.\n\n")
	for _, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	resp, err := s.runtime.Run(ctx, api.Request{
		Prompt:    sb.String(),
		SessionID: "summarizer",
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("summarizer returned empty response")
	}
	return resp.Result.Output, nil
}

func (g *Gateway) runSystemJob(action string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch action {
	case cron.ActionProbe:
		g.failover.Probe(ctx)
		return string(g.failover.State()), nil
	case cron.ActionReconcile:
		if g.reconciler == nil {
			return "skipped", nil
		}
		g.reconciler.Run(ctx)
		return "ok", nil
	case cron.ActionSummarize:
		g.contextMem.RefreshAll(ctx, g.local)
		return "ok", nil
	}
	return "", fmt.Errorf("unknown system action %q", action)
}

func (g *Gateway) ensureMaintenanceJobs() error {
	if g.reconciler != nil {
		if err := g.cron.EnsureSystemJob("storage-probe", cron.Every(g.cfg.ProbeInterval()), cron.ActionProbe); err != nil {
			return err
		}
		if err := g.cron.EnsureSystemJob("storage-reconcile", cron.Every(g.cfg.ReconcileInterval()), cron.ActionReconcile); err != nil {
			return err
		}
	}
	return g.cron.EnsureSystemJob("summary-refresh", cron.Every(g.cfg.SummaryInterval()), cron.ActionSummarize)
}

func (g *Gateway) runAgent(ctx context.Context, prompt, sessionID string) (string, error) {
	resp, err := g.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	// Push anything the fallback store accumulated while we were down.
	if g.reconciler != nil {
		go g.reconciler.Run(ctx)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d (storage: %s)", g.cfg.Gateway.Host, g.cfg.Gateway.Port, g.failover.State())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			result := g.handleInbound(ctx, msg)
			if result != "" {
				g.bus.Outbound <- bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: result,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) string {
	chatID := chatKey(&msg)

	if strings.HasPrefix(msg.Content, "/") {
		return g.handleCommand(ctx, chatID, msg.Content)
	}

	if _, err := g.resolver.Resolve(ctx, chatID); err != nil {
		log.Printf("[gateway] resolve account for chat %d warning: %v", chatID, err)
	}

	// Snapshot the session transcript before the new message joins it.
	recent, err := g.tiers.Read(ctx, chatID, store.TierShortTerm, 0)
	if err != nil {
		log.Printf("[gateway] read short term warning: %v", err)
	}

	if err := g.tiers.Record(ctx, chatID, store.Message{
		Role:      store.RoleUser,
		Content:   msg.Content,
		Timestamp: time.Now(),
	}); err != nil {
		log.Printf("[gateway] record user message warning: %v", err)
	}

	prompt := g.buildPrompt(ctx, chatID, recent, msg.Content)

	result, err := g.runAgent(ctx, prompt, msg.SessionKey())
	if err != nil {
		log.Printf("[gateway] agent error: %v", err)
		return "Sorry, I encountered an error processing your message."
	}

	if strings.TrimSpace(result) != "" {
		if err := g.tiers.Record(ctx, chatID, store.Message{
			Role:      store.RoleAssistant,
			Content:   result,
			Timestamp: time.Now(),
		}); err != nil {
			log.Printf("[gateway] record assistant message warning: %v", err)
		}
		go g.maybeRefreshSummary(chatID)
	}
	return result
}

// buildPrompt assembles the model input: long-term summary, then the session
// transcript, then the new message. With neither, the raw message passes
// through untouched.
func (g *Gateway) buildPrompt(ctx context.Context, chatID int64, recent []store.Message, content string) string {
	var sb strings.Builder

	if entry, err := g.contextMem.Current(ctx, chatID); err == nil && strings.TrimSpace(entry.Summary) != "" {
		sb.WriteString("[Conversation Summary]\n")
		sb.WriteString(entry.Summary)
		sb.WriteString("\n\n")
	}
	if len(recent) > 0 {
		sb.WriteString("[Recent Conversation]\n")
		for _, m := range recent {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return content
	}
	sb.WriteString("[User Message]\n")
	sb.WriteString(content)
	return sb.String()
}

// maybeRefreshSummary rebuilds the history summary once the mid-term tier
// fills up, so context is refreshed before lossy eviction discards anything.
func (g *Gateway) maybeRefreshSummary(chatID int64) {
	limit := g.tiers.Limits().MidTermCap
	if limit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stats, err := g.tiers.Stats(ctx, chatID)
	if err != nil {
		return
	}
	if stats[store.TierMidTerm].Count < limit {
		return
	}
	if _, err := g.contextMem.Refresh(ctx, chatID); err != nil {
		log.Printf("[gateway] summary refresh for chat %d warning: %v", chatID, err)
	}
}

func (g *Gateway) handleCommand(ctx context.Context, chatID int64, text string) string {
	fields := strings.Fields(text)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/start":
		return "Hi, I'm Recall. I remember our conversations across sessions. Send /help to see what I can do."
	case "/help":
		return strings.Join([]string{
			"/clear - forget the current session (long-term memory is kept)",
			"/session <duration> - set the session window, e.g. /session 3h",
			"/status - storage backend and memory tier status",
			"/rules - show the behavior rules I follow",
		}, "\n")
	case "/clear":
		if err := g.tiers.ClearShortTerm(ctx, chatID); err != nil {
			log.Printf("[gateway] clear short term warning: %v", err)
			return "Could not clear the session, please try again."
		}
		return "Session cleared. Long-term history is untouched."
	case "/session":
		if len(args) == 0 {
			return fmt.Sprintf("Current session window: %s. Usage: /session short|medium|long or a duration like 3h", g.tiers.Limits().ShortTermWindow)
		}
		var d time.Duration
		switch args[0] {
		case "short":
			d = 3 * time.Hour
		case "medium":
			d = 6 * time.Hour
		case "long":
			d = 12 * time.Hour
		default:
			var err error
			if d, err = time.ParseDuration(args[0]); err != nil || d <= 0 {
				return "Invalid session length. Use short, medium, long or a duration like 3h."
			}
		}
		g.tiers.SetShortTermWindow(d)
		return fmt.Sprintf("Session window set to %s.", d)
	case "/status":
		return g.statusText(ctx, chatID)
	case "/rules":
		return g.rules.Formatted()
	}
	return "Unknown command. Send /help for the list."
}

func (g *Gateway) statusText(ctx context.Context, chatID int64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Storage: %s", g.failover.State())
	if err := g.failover.LastError(); err != nil {
		fmt.Fprintf(&sb, " (last error: %v)", err)
	}
	sb.WriteString("\n")

	if stats, err := g.tiers.Stats(ctx, chatID); err == nil {
		for _, tier := range store.Tiers() {
			fmt.Fprintf(&sb, "%s: %d messages\n", tier, stats[tier].Count)
		}
	}
	if entry, err := g.tiers.LoadContext(ctx, chatID); err == nil {
		fmt.Fprintf(&sb, "Summary updated %s (%d messages covered)\n", entry.Timestamp.Format(time.RFC3339), entry.MessageCount)
	}
	if g.reconciler != nil && !g.reconciler.LastRun().IsZero() {
		fmt.Fprintf(&sb, "Last reconcile: %s\n", g.reconciler.LastRun().Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Health implements channel.StatusProvider.
func (g *Gateway) Health() map[string]any {
	h := map[string]any{
		"storage_state": string(g.failover.State()),
		"remote":        g.pool != nil,
	}
	if err := g.failover.LastError(); err != nil {
		h["last_error"] = err.Error()
	}
	if g.reconciler != nil && !g.reconciler.LastRun().IsZero() {
		h["last_reconcile"] = g.reconciler.LastRun().UTC().Format(time.RFC3339)
	}
	return h
}

// ChatStats implements channel.StatusProvider.
func (g *Gateway) ChatStats(ctx context.Context, chatID int64) (map[string]any, error) {
	stats, err := g.tiers.Stats(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"tiers": stats}
	if entry, err := g.tiers.LoadContext(ctx, chatID); err == nil {
		out["summary_updated"] = entry.Timestamp.UTC().Format(time.RFC3339)
		out["summary_messages"] = entry.MessageCount
	}
	return out, nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	if g.runtime != nil {
		g.runtime.Close()
	}
	if g.summarizer != nil {
		g.summarizer.Close()
	}
	if g.pool != nil {
		g.pool.Close()
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// chatKey maps an external chat identifier onto the numeric key the storage
// layer uses. Numeric ids (telegram) pass through; opaque ids (webui client
// ids) hash onto the positive int64 range.
func chatKey(msg *bus.InboundMessage) int64 {
	if id, err := strconv.ParseInt(msg.ChatID, 10, 64); err == nil {
		return id
	}
	h := fnv.New64a()
	h.Write([]byte(msg.SessionKey()))
	return int64(h.Sum64() & math.MaxInt64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
