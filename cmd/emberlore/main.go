// Command emberlore is a terminal chat runner for the Emberlore roleplay
// engine. It loads characters and worlds from the configuration, wires the
// configured providers, and runs a streaming chat loop on stdin/stdout.
//
// In-chat commands:
//
//	/regen     regenerate the last reply as a new alternate
//	/continue  extend the last reply in place
//	/prev      activate the previous alternate of the last reply
//	/next      activate the next alternate of the last reply
//	/quit      exit
//
// Ctrl+C during a generation cancels it and keeps the partial reply;
// Ctrl+C at the prompt exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberlore/emberlore/internal/config"
	"github.com/emberlore/emberlore/internal/engine"
	"github.com/emberlore/emberlore/internal/health"
	"github.com/emberlore/emberlore/internal/observe"
	"github.com/emberlore/emberlore/internal/session"
	"github.com/emberlore/emberlore/internal/session/postgres"
	"github.com/emberlore/emberlore/pkg/lore"
	"github.com/emberlore/emberlore/pkg/provider/embeddings"
	oaembed "github.com/emberlore/emberlore/pkg/provider/embeddings/openai"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/provider/llm/anyllm"
	oallm "github.com/emberlore/emberlore/pkg/provider/llm/openai"
	"github.com/emberlore/emberlore/pkg/provider/llm/openrouter"
	"github.com/emberlore/emberlore/pkg/types"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	characterFlag := flag.String("character", "", "character name to chat with; comma-separate several names for a group chat")
	worldFlag := flag.String("world", "", "world id to load lore from (defaults to the character's configured knowledge base)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "emberlore: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "emberlore: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("emberlore starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Characters and worlds ─────────────────────────────────────────────────
	cast, err := resolveCast(cfg, *characterFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emberlore: %v\n", err)
		return 1
	}

	bases := map[string]types.KnowledgeBase{}
	if cfg.Lore.Dir != "" {
		bases, err = lore.LoadDir(cfg.Lore.Dir)
		if err != nil {
			slog.Error("failed to load worlds", "dir", cfg.Lore.Dir, "err", err)
			return 1
		}
		slog.Info("worlds loaded", "dir", cfg.Lore.Dir, "count", len(bases))
	}
	base, err := resolveWorld(cfg, bases, cast, *worldFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emberlore: %v\n", err)
		return 1
	}

	// ── Metrics provider ──────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := observe.InitProvider(ctx, version)
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer sdCancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	provider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	// ── Long-term archive (optional) ──────────────────────────────────────────
	var (
		archive  *postgres.Archive
		recaller engine.Recaller
	)
	if cfg.Memory.PostgresDSN != "" {
		archive, err = postgres.NewArchive(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect postgres archive", "err", err)
			return 1
		}
		defer archive.Close()

		embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "name", cfg.Providers.Embeddings.Name, "err", err)
			return 1
		}
		recaller = engine.NewSemanticRecall(embedder, archive.Lore())
		slog.Info("semantic recall enabled", "embeddings", cfg.Providers.Embeddings.Name)

		if err := syncWorldEmbeddings(ctx, embedder, archive.Lore(), bases); err != nil {
			slog.Error("failed to sync world embeddings", "err", err)
			return 1
		}
	}

	// ── Metrics / health endpoint (optional) ──────────────────────────────────
	if cfg.Server.ListenAddr != "" {
		startHTTP(ctx, cfg.Server.ListenAddr, archive)
	}

	// ── Engine and session ────────────────────────────────────────────────────
	store := session.NewStore()

	opts := []engine.Option{
		engine.WithMetrics(observe.DefaultMetrics()),
		engine.WithEventSink(printEvents),
	}
	if recaller != nil {
		opts = append(opts, engine.WithRecaller(recaller))
	}
	if archive != nil {
		opts = append(opts, engine.WithArchiver(archive))
	}
	eng := engine.New(provider, store, opts...)

	group := len(cast) > 1
	var sessionID string
	if group {
		ids := make([]string, len(cast))
		for i, c := range cast {
			ids[i] = c.ID
		}
		sessionID = store.CreateGroupSession(ids, base.ID, cfg.Generation).ID
	} else {
		sessionID = store.CreateSession(cast[0].ID, base.ID, cfg.Generation).ID
	}

	// ── Signals: cancel a running generation first, exit when idle ────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if eng.State() == engine.StateGenerating {
				eng.Stop()
				continue
			}
			cancel()
			return
		}
	}()

	printBanner(cfg, cast, base)

	if err := chatLoop(ctx, eng, sessionID, cast, base, group); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("chat loop error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Chat loop ─────────────────────────────────────────────────────────────────

func chatLoop(ctx context.Context, eng *engine.Engine, sessionID string, cast []types.Character, base types.KnowledgeBase, group bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	turn := engine.Turn{Character: cast[0], Base: base}
	groupTurn := engine.GroupTurn{Cast: cast, Base: base}

	// lastSlot tracks the message slot of the most recent reply so /regen,
	// /continue, /prev and /next know what to act on.
	var lastSlot string

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case line, ok = <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
		}

		input := strings.TrimSpace(line)
		var (
			res *engine.Result
			err error
		)
		switch {
		case input == "":
			continue
		case input == "/quit":
			return nil
		case input == "/regen":
			if lastSlot == "" || group {
				fmt.Println("(nothing to regenerate)")
				continue
			}
			res, err = eng.Regenerate(ctx, sessionID, lastSlot, turn)
		case input == "/continue":
			if lastSlot == "" || group {
				fmt.Println("(nothing to continue)")
				continue
			}
			res, err = eng.Continue(ctx, sessionID, lastSlot, turn)
		case input == "/prev" || input == "/next":
			if lastSlot == "" || group {
				fmt.Println("(no alternates here)")
				continue
			}
			dir := session.Previous
			if input == "/next" {
				dir = session.Next
			}
			msg, navErr := eng.NavigateAlternate(sessionID, lastSlot, dir)
			if navErr != nil {
				fmt.Printf("(%v)\n", navErr)
				continue
			}
			lastSlot = msg.ID
			fmt.Printf("%s: %s\n", speakerLabel(msg, cast), msg.Content)
			continue
		case group:
			msgs, groupErr := eng.SendGroup(ctx, sessionID, input, groupTurn)
			if groupErr != nil {
				printSendError(groupErr)
				continue
			}
			for _, msg := range msgs {
				fmt.Printf("%s: %s\n", speakerLabel(msg, cast), msg.Content)
			}
			continue
		default:
			fmt.Printf("%s: ", cast[0].Name)
			res, err = eng.Send(ctx, sessionID, input, turn)
		}

		if err != nil {
			printSendError(err)
			continue
		}
		fmt.Println()
		if res.Outcome == engine.OutcomeCancelled {
			fmt.Println("(cancelled — partial reply kept)")
		}
		if res.Warning != "" {
			slog.Warn(res.Warning)
		}
		lastSlot = res.Message.ID
	}
}

// printEvents streams generation output to stdout as it arrives.
func printEvents(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.EventChunk:
		fmt.Print(ev.Text)
	case llm.EventReasoningStep:
		fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Title, ev.Content)
	}
}

func printSendError(err error) {
	if errors.Is(err, engine.ErrBusy) {
		fmt.Println("(still generating)")
		return
	}
	fmt.Printf("(generation failed: %v)\n", err)
}

func speakerLabel(msg types.Message, cast []types.Character) string {
	if msg.SpeakerName != "" {
		return msg.SpeakerName
	}
	if len(cast) == 1 {
		return cast[0].Name
	}
	return engine.NarratorName
}

// ── Cast and world resolution ─────────────────────────────────────────────────

// resolveCast maps the -character flag (or the first configured character)
// to [types.Character] values. Character IDs are their configured names.
func resolveCast(cfg *config.Config, flagValue string) ([]types.Character, error) {
	if len(cfg.Characters) == 0 {
		return nil, fmt.Errorf("no characters configured")
	}

	byName := make(map[string]config.CharacterConfig, len(cfg.Characters))
	for _, cc := range cfg.Characters {
		byName[cc.Name] = cc
	}

	names := []string{cfg.Characters[0].Name}
	if flagValue != "" {
		names = nil
		for _, n := range strings.Split(flagValue, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}

	cast := make([]types.Character, 0, len(names))
	for _, name := range names {
		cc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("character %q not found in config", name)
		}
		cast = append(cast, types.Character{ID: cc.Name, Name: cc.Name, Persona: cc.Persona})
	}
	return cast, nil
}

// resolveWorld picks the knowledge base for the session: the -world flag if
// given, otherwise the lead character's configured knowledge base. No world
// at all is fine; retrieval just has nothing to offer.
func resolveWorld(cfg *config.Config, bases map[string]types.KnowledgeBase, cast []types.Character, flagValue string) (types.KnowledgeBase, error) {
	id := flagValue
	if id == "" {
		for _, cc := range cfg.Characters {
			if cc.Name == cast[0].Name {
				id = cc.KnowledgeBase
				break
			}
		}
	}
	if id == "" {
		return types.KnowledgeBase{}, nil
	}
	base, ok := bases[id]
	if !ok {
		return types.KnowledgeBase{}, fmt.Errorf("world %q not found under %q", id, cfg.Lore.Dir)
	}
	return base, nil
}

// syncWorldEmbeddings embeds every enabled entry of every loaded world and
// upserts it into the lore index, so semantic recall has vectors to search
// from the first turn.
func syncWorldEmbeddings(ctx context.Context, embedder embeddings.Provider, index *postgres.LoreIndex, bases map[string]types.KnowledgeBase) error {
	for baseID, base := range bases {
		var entries []types.KnowledgeEntry
		var texts []string
		for _, e := range base.Entries {
			if !e.Enabled || e.Content == "" {
				continue
			}
			entries = append(entries, e)
			texts = append(texts, e.Content)
		}
		if len(entries) == 0 {
			continue
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed world %q: %w", baseID, err)
		}
		for i, e := range entries {
			if err := index.UpsertEntry(ctx, baseID, e, vecs[i]); err != nil {
				return fmt.Errorf("index entry %q of world %q: %w", e.ID, baseID, err)
			}
		}
		slog.Info("world embeddings synced", "world", baseID, "entries", len(entries))
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMProviders are the any-llm-go backends that take an optional API key
// plus an optional base URL.
var anyLLMProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openrouter", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openrouter.Option
		if entry.BaseURL != "" {
			opts = append(opts, openrouter.WithBaseURL(entry.BaseURL))
		}
		return openrouter.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyLLMProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if cfg.Memory.EmbeddingDimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(cfg.Memory.EmbeddingDimensions))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// ── Metrics / health endpoint ─────────────────────────────────────────────────

// startHTTP serves /metrics, /healthz and /readyz on addr until ctx ends.
func startHTTP(ctx context.Context, addr string, archive *postgres.Archive) {
	checks := map[string]health.CheckFunc{}
	if archive != nil {
		checks["archive"] = archive.Ping
	}

	mux := http.NewServeMux()
	health.New(checks).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics endpoint shutdown error", "err", err)
		}
	}()
}

// ── Startup banner ────────────────────────────────────────────────────────────

func printBanner(cfg *config.Config, cast []types.Character, base types.KnowledgeBase) {
	names := make([]string, len(cast))
	for i, c := range cast {
		names[i] = c.Name
	}
	fmt.Printf("emberlore %s — %s via %s\n", version, cfg.Providers.LLM.Model, cfg.Providers.LLM.Name)
	fmt.Printf("cast: %s\n", strings.Join(names, ", "))
	if base.ID != "" {
		fmt.Printf("world: %s (%d entries)\n", base.Name, len(base.Entries))
	}
	fmt.Println("type a message, /regen, /continue, /prev, /next, or /quit")
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
