// Package engine drives one cancellable streaming generation per chat turn.
//
// The [Engine] owns the full turn pipeline: memory summarisation, token-budget
// fitting, role normalisation, lore retrieval, prompt assembly, and the
// streaming call itself. Exactly one generation may be in flight process-wide;
// a second request while one is running is rejected with [ErrBusy]. This is a
// deliberate simplicity tradeoff, not a per-session lock.
//
// Lifecycle: Idle -> Generating -> {Completed, Cancelled, Failed} -> Idle.
// Cancellation is cooperative and is not an error: the partial content
// streamed so far is kept permanently and the outcome is [OutcomeCancelled].
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberlore/emberlore/internal/observe"
	"github.com/emberlore/emberlore/internal/prompt"
	"github.com/emberlore/emberlore/internal/resilience"
	"github.com/emberlore/emberlore/internal/session"
	"github.com/emberlore/emberlore/pkg/lore"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/types"
)

// ErrBusy is returned when a generation is requested while another is already
// in flight. There is no queueing and no preemption; callers retry after the
// running generation finishes or is stopped.
var ErrBusy = errors.New("engine: a generation is already in flight")

// defaultThrottle is the coalescing interval for applying streamed chunks to
// the stored message. Many chunks arriving inside one interval become a single
// store update.
const defaultThrottle = 100 * time.Millisecond

// defaultStepTimeout bounds each optional reasoning sub-step. The main
// generation stream itself has no timeout.
const defaultStepTimeout = 20 * time.Second

// recallTopK is how many semantically similar lore snippets feed the
// retriever as auxiliary texts.
const recallTopK = 3

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateGenerating
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Outcome is how a finished generation ended.
type Outcome int

const (
	// OutcomeCompleted means the stream terminated normally.
	OutcomeCompleted Outcome = iota

	// OutcomeCancelled means the user stopped the stream; partial content is
	// kept as the message's final content. Not an error.
	OutcomeCancelled

	// OutcomeFailed means the stream failed; for brand-new messages nothing
	// partial is kept.
	OutcomeFailed
)

// Result describes a finished generation.
type Result struct {
	// Message is the final stored assistant message.
	Message types.Message

	// Outcome is Completed or Cancelled. Failures are returned as errors
	// instead, never as a Result.
	Outcome Outcome

	// FinishReason is the provider's stop reason on completion ("stop",
	// "length", or empty).
	FinishReason string

	// Warning carries a non-fatal problem encountered while building the
	// turn, such as a failed memory summarisation. Empty when all went well.
	Warning string
}

// Turn carries the per-turn collaborator data for a single-character
// generation: the active character, the linked knowledge base, and the user
// persona. Zero-value fields simply omit their prompt sections.
type Turn struct {
	Character   types.Character
	Base        types.KnowledgeBase
	UserPersona *types.Persona
}

// Recaller fetches lore content semantically similar to the latest user
// message, used as low-weight auxiliary retrieval texts. Implementations may
// hit the network; errors are non-fatal and degrade to keyword-only retrieval.
type Recaller interface {
	Recall(ctx context.Context, baseID, text string, k int) ([]string, error)
}

// EventSink receives stream events (chunks, reasoning steps) as they arrive,
// before throttled application to the store. Sinks must not block.
type EventSink func(llm.StreamEvent)

// Archiver mirrors finalised messages and the running memory summary into
// long-term storage. Archive failures are logged and never fail a turn.
type Archiver interface {
	ArchiveMessage(ctx context.Context, sessionID string, msg types.Message) error
	SaveSummary(ctx context.Context, sessionID, summary string) error
}

// Engine orchestrates generations against a single provider and session store.
// Safe for concurrent use; concurrent generation attempts beyond the first
// fail with [ErrBusy].
type Engine struct {
	provider     llm.Provider
	store        *session.Store
	cache        *lore.IndexCache
	stats        lore.StatsStore
	memory       *session.Memory
	metrics      *observe.Metrics
	recall       Recaller
	sink         EventSink
	archiver     Archiver
	retry        resilience.RetryConfig
	instructions string
	throttle     time.Duration
	stepTimeout  time.Duration
	thinking     bool
	now          func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// Option configures an [Engine].
type Option func(*Engine)

// WithInstructions sets the base behavioral preamble for every prompt.
func WithInstructions(text string) Option {
	return func(e *Engine) { e.instructions = text }
}

// WithSummariser replaces the default LLM-backed memory summariser.
func WithSummariser(s session.Summariser) Option {
	return func(e *Engine) { e.memory = session.NewMemory(s) }
}

// WithStats sets the interaction-stats store feeding the retriever. Defaults
// to a fresh in-memory store.
func WithStats(s lore.StatsStore) Option {
	return func(e *Engine) { e.stats = s }
}

// WithRecaller enables semantic recall as an auxiliary retrieval signal.
func WithRecaller(r Recaller) Option {
	return func(e *Engine) { e.recall = r }
}

// WithEventSink registers a callback receiving stream events as they arrive.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithArchiver mirrors finalised messages and summaries into long-term
// storage.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithMetrics sets the metrics instruments. Nil disables recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithThrottle overrides the chunk-coalescing interval.
func WithThrottle(d time.Duration) Option {
	return func(e *Engine) { e.throttle = d }
}

// WithThinking enables the multi-step reasoning mode. Each step is bounded by
// stepTimeout; any step exceeding its bound falls back to direct generation.
func WithThinking(stepTimeout time.Duration) Option {
	return func(e *Engine) {
		e.thinking = true
		if stepTimeout > 0 {
			e.stepTimeout = stepTimeout
		}
	}
}

// WithRetryConfig overrides the backoff policy for idempotent non-streaming
// calls (consistency checks). Streaming generations are never retried.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// New creates an [Engine] for the given provider and store. The memory
// summariser defaults to an LLM-backed one over the same provider; the index
// cache and stats store default to fresh in-memory instances.
func New(provider llm.Provider, store *session.Store, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		store:       store,
		cache:       lore.NewIndexCache(),
		stats:       lore.NewMemStats(),
		memory:      session.NewMemory(session.NewLLMSummariser(provider)),
		throttle:    defaultThrottle,
		stepTimeout: defaultStepTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the orchestrator's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop cancels the in-flight generation, if any. The partial content already
// applied is kept; the running operation returns [OutcomeCancelled]. Stopping
// while idle is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateGenerating && e.cancel != nil {
		slog.Info("engine: stop requested, keeping partial output")
		e.cancel()
	}
}

// begin transitions Idle -> Generating, or fails with ErrBusy. The check and
// the flag set happen under one lock acquisition, so concurrent callers can
// never both pass.
func (e *Engine) begin(parent context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(parent)
	e.state = StateGenerating
	e.cancel = cancel
	if e.metrics != nil {
		e.metrics.ActiveGenerations.Add(ctx, 1)
	}
	return ctx, nil
}

// end returns the engine to Idle and releases the cancellation handle.
func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = StateIdle
	if e.metrics != nil {
		e.metrics.ActiveGenerations.Add(context.Background(), -1)
	}
}

// turnContext is the assembled per-turn request material.
type turnContext struct {
	system   string
	messages []llm.Message
	warning  string
}

// buildContext runs the full assembly pipeline for one turn: fit the history
// to the token budget, summarise memory and fetch semantic recall in parallel,
// normalise roles, retrieve lore, and render the system directive.
//
// speakerNames drives the retriever's speaker-link bonus; character closes
// the directive (zero value omits the section, as in group mode where cast
// personas are part of extraInstructions instead).
func (e *Engine) buildContext(ctx context.Context, sess types.Session, history []types.Message, base types.KnowledgeBase, userPersona *types.Persona, character types.Character, speakerNames []string, extraInstructions string) (*turnContext, error) {
	budget := sess.Settings.ContextSize
	if budget == 0 {
		budget = e.provider.Capabilities().ContextWindow
	}
	if out := sess.Settings.MaxOutputTokens; out > 0 && out < budget {
		budget -= out
	}

	fitted := session.Fit(history, budget)

	var (
		cond        session.Condensation
		warning     string
		recallTexts []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := e.now()
		c, err := e.memory.MaybeSummarize(gctx, sess, fitted)
		cond = c
		var sumErr *session.SummarizationError
		if errors.As(err, &sumErr) {
			// Non-fatal: the turn proceeds with the unmodified history.
			if e.metrics != nil {
				e.metrics.RecordSummarization(gctx, "failed", e.now().Sub(start).Seconds())
			}
			warning = "memory summarization failed; continuing with full history"
			return nil
		}
		if err == nil && len(c.CondensedIDs) > 0 && e.metrics != nil {
			e.metrics.RecordSummarization(gctx, "ok", e.now().Sub(start).Seconds())
		}
		return err
	})
	if e.recall != nil && base.ID != "" {
		if query := latestUserText(history); query != "" {
			g.Go(func() error {
				texts, err := e.recall.Recall(gctx, base.ID, query, recallTopK)
				if err != nil {
					slog.Warn("engine: semantic recall failed, using keyword retrieval only",
						"base_id", base.ID, "error", err)
					return nil
				}
				recallTexts = texts
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	working, summary := cond.History, cond.Summary

	// A successful condensation is spliced into the stored session too, or
	// the next turn would re-fit the full transcript and summarise the same
	// messages again. The marker permanently replaces the condensed turns.
	if len(cond.CondensedIDs) > 0 {
		if _, err := e.store.Condense(sess.ID, cond.CondensedIDs, cond.Marker); err != nil {
			return nil, err
		}
		fresh, err := e.store.Session(sess.ID)
		if err != nil {
			return nil, err
		}
		sess = fresh
	}

	if summary != sess.MemorySummary {
		sess.MemorySummary = summary
		if err := e.store.UpdateSession(sess); err != nil {
			return nil, err
		}
		e.saveSummary(ctx, sess.ID, summary)
	}

	working = session.Normalize(working)

	var entries []types.KnowledgeEntry
	if len(base.Entries) > 0 {
		start := e.now()
		buildsBefore := e.cache.Builds()
		ix := e.cache.Get(base)
		aux := personaTexts(userPersona, character)
		aux = append(aux, recallTexts...)
		ranked := lore.Retrieve(ix, working, aux, e.stats, speakerNames)
		for _, r := range ranked {
			entries = append(entries, r.Entry)
			e.stats.RecordView(base.ID, r.Entry.ID)
		}
		if e.metrics != nil {
			e.metrics.RecordRetrieval(ctx, base.ID, e.now().Sub(start).Seconds())
			if rebuilt := e.cache.Builds() - buildsBefore; rebuilt > 0 {
				e.metrics.IndexRebuilds.Add(ctx, int64(rebuilt))
			}
		}
	}

	instructions := e.instructions
	if extraInstructions != "" {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += extraInstructions
	}

	system := prompt.Assemble(prompt.Input{
		Instructions:  instructions,
		UserPersona:   userPersona,
		MemorySummary: summary,
		Lore:          entries,
		Character:     character,
	})

	return &turnContext{
		system:   system,
		messages: toLLMMessages(working),
		warning:  warning,
	}, nil
}

// request builds the provider request from an assembled turn context and the
// session's sampling settings.
func (e *Engine) request(sess types.Session, tc *turnContext) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:     tc.messages,
		SystemPrompt: tc.system,
		Temperature:  sess.Settings.Temperature,
		MaxTokens:    sess.Settings.MaxOutputTokens,
	}
}

// emit forwards a stream event to the sink, if one is registered.
func (e *Engine) emit(ev llm.StreamEvent) {
	if e.sink != nil {
		e.sink(ev)
	}
}

// archive mirrors a finalised message to long-term storage. Runs on a
// cancellation-free context so a user stop still archives the kept partial.
func (e *Engine) archive(ctx context.Context, sessionID string, msg types.Message) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.ArchiveMessage(context.WithoutCancel(ctx), sessionID, msg); err != nil {
		slog.Warn("engine: message archive failed",
			"session_id", sessionID, "message_id", msg.ID, "error", err)
	}
}

// saveSummary mirrors the running memory summary to long-term storage.
func (e *Engine) saveSummary(ctx context.Context, sessionID, summary string) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.SaveSummary(context.WithoutCancel(ctx), sessionID, summary); err != nil {
		slog.Warn("engine: summary archive failed", "session_id", sessionID, "error", err)
	}
}

// toLLMMessages converts stored messages to provider wire messages.
// Speaker names survive as the optional participant name.
func toLLMMessages(history []types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.SpeakerName,
		})
	}
	return out
}

// latestUserText returns the content of the most recent user message.
func latestUserText(history []types.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// personaTexts collects the low-weight auxiliary texts scanned by the
// retriever: persona descriptions for the user and the active character.
func personaTexts(userPersona *types.Persona, character types.Character) []string {
	var aux []string
	if userPersona != nil {
		if s := strings.TrimSpace(userPersona.Description); s != "" {
			aux = append(aux, s)
		}
	}
	if s := strings.TrimSpace(character.Persona); s != "" {
		aux = append(aux, s)
	}
	return aux
}
