package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/riffle-ai/riffle/internal/assemble"
	"github.com/riffle-ai/riffle/internal/log"
	"github.com/riffle-ai/riffle/internal/memory"
	"github.com/riffle-ai/riffle/internal/provider"
	"github.com/riffle-ai/riffle/internal/store"
)

// searchFailedPlaceholder substitutes for a failed search invocation so one
// broken search cannot fail the whole turn.
const searchFailedPlaceholder = "The web search could not be completed. " +
	"Answer from your own knowledge and tell the user the search failed."

// Upstream is the slice of the provider client the runner needs.
type Upstream interface {
	Stream(ctx context.Context, request provider.Request) (*provider.EventStream, error)
	Complete(ctx context.Context, request provider.Request) (*provider.Response, error)
}

// Searcher runs one web search query.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Persister is the slice of the store the runner needs.
type Persister interface {
	InsertMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*store.Message, error)
	UpdateTitle(ctx context.Context, conversationID uuid.UUID, title string) error
}

// Memory receives finished turns for background fact extraction.
type Memory interface {
	ProcessTurnAsync(userID, conversationID uuid.UUID, turns []memory.Turn)
}

// Config contains the runner's model parameters.
type Config struct {
	Model     string
	MaxTokens int
}

// Runner orchestrates streamed turns. One Runner serves all transports.
//
// Runner is safe for concurrent use; each Run call is one independent turn.
type Runner struct {
	upstream  Upstream
	assembler *assemble.Assembler
	persister Persister
	searcher  Searcher
	memory    Memory // nil = no memory extraction
	tool      provider.Tool
	cfg       Config
	logger    log.Logger

	background sync.WaitGroup
}

// New creates a Runner.
func New(upstream Upstream, assembler *assemble.Assembler, persister Persister,
	searcher Searcher, mem Memory, cfg Config, logger log.Logger) (*Runner, error) {
	if upstream == nil || assembler == nil || persister == nil || searcher == nil {
		return nil, errors.New("upstream, assembler, persister and searcher are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	tool, err := provider.WebSearchTool()
	if err != nil {
		return nil, fmt.Errorf("declaring search tool: %w", err)
	}

	return &Runner{
		upstream:  upstream,
		assembler: assembler,
		persister: persister,
		searcher:  searcher,
		memory:    mem,
		tool:      tool,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Request is one inbound chat request, already validated by the transport.
type Request struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Text           string
	Attachments    []assemble.Attachment

	// GenerateTitle requests best-effort title generation after the turn,
	// set by the transport for conversations that have none yet.
	GenerateTitle bool
}

// Run executes one turn, emitting the ordered event sequence into sink.
// Exactly one done or error event terminates the sequence. The returned
// error mirrors the error event, for transport-level logging.
func (r *Runner) Run(ctx context.Context, req Request, sink Sink) error {
	fail := func(err error) error {
		message := userFacingMessage(err)
		if emitErr := sink.Emit(Error(message)); emitErr != nil {
			r.logger.Debug("emit failed, client gone", "error", emitErr)
		}
		r.logger.Error("turn failed", "conversation", req.ConversationID, "error", err)
		return err
	}

	userMessage, err := r.persister.InsertMessage(ctx, req.ConversationID, store.RoleUser, req.Text)
	if err != nil {
		return fail(fmt.Errorf("persisting user message: %w", err))
	}
	if err := sink.Emit(UserMessage(userMessage.ID.String())); err != nil {
		r.logger.Debug("emit failed, client gone", "error", err)
	}

	assembled, err := r.assembler.Assemble(ctx, assemble.Input{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Text:           req.Text,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return fail(fmt.Errorf("assembling context: %w", err))
	}

	if err := sink.Emit(AssistantStart(uuid.NewString())); err != nil {
		r.logger.Debug("emit failed, client gone", "error", err)
	}

	stream, err := r.upstream.Stream(ctx, provider.Request{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		System:    assembled.System,
		Messages:  assembled.Messages,
		Tools:     []provider.Tool{r.tool},
		ToolMode:  provider.ToolsAllowed,
	})
	if err != nil {
		return fail(err)
	}
	defer func() { _ = stream.Close() }()

	it := &interceptor{sink: sink, logger: r.logger}
	response, err := it.consume(stream)
	if err != nil {
		// Mid-stream failure: already-forwarded deltas are not persisted.
		return fail(err)
	}

	finalText := response.Text()
	if toolUses := response.ToolUses(); len(toolUses) > 0 {
		finalText, err = r.resolveTools(ctx, assembled, response, toolUses, sink)
		if err != nil {
			// Failure after tool results were gathered fails the whole
			// turn; no synthetic content is emitted.
			return fail(err)
		}
		if err := sink.Emit(Content(finalText)); err != nil {
			r.logger.Debug("emit failed, client gone", "error", err)
		}
	}

	assistantMessage, err := r.persister.InsertMessage(ctx, req.ConversationID, store.RoleAssistant, finalText)
	if err != nil {
		return fail(fmt.Errorf("persisting assistant message: %w", err))
	}
	if err := sink.Emit(Done(assistantMessage.ID.String())); err != nil {
		r.logger.Debug("emit failed, client gone", "error", err)
	}

	r.afterTurn(req, finalText)
	return nil
}

// resolveTools executes the buffered invocations and the follow-up call,
// returning the complete follow-up answer.
func (r *Runner) resolveTools(ctx context.Context, assembled *assemble.Result,
	response *provider.Response, toolUses []*provider.ToolUse, sink Sink) (string, error) {

	inputs := make([]provider.WebSearchInput, len(toolUses))
	var allQueries []string
	for i, use := range toolUses {
		inputs[i] = provider.ParseWebSearchInput(use.Input)
		allQueries = append(allQueries, inputs[i].Queries...)
	}

	// The indicator goes out before any blocking search work begins.
	if err := sink.Emit(WebSearchStart(allQueries)); err != nil {
		r.logger.Debug("emit failed, client gone", "error", err)
	}

	// Invocations run concurrently; the indexed slice keeps results in
	// invocation order no matter which search finishes first.
	results := make([]string, len(toolUses))
	var wg sync.WaitGroup
	for i := range toolUses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.runInvocation(ctx, inputs[i])
		}(i)
	}
	wg.Wait()

	followUp := provider.Request{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		System:    assembled.System,
		Messages:  append(append([]provider.Message{}, assembled.Messages...),
			assistantTurnMessage(response),
			toolResultMessage(toolUses, results)),
		// Declarations must stay present once tool_use blocks exist in
		// history, but further use is forbidden.
		Tools:    []provider.Tool{r.tool},
		ToolMode: provider.ToolsForbidden,
	}

	followUpResponse, err := r.upstream.Complete(ctx, followUp)
	if err != nil {
		return "", fmt.Errorf("follow-up call: %w", err)
	}
	return followUpResponse.Text(), nil
}

// runInvocation executes every query of one invocation. Failures are
// substituted per invocation, never propagated.
func (r *Runner) runInvocation(ctx context.Context, input provider.WebSearchInput) string {
	if len(input.Queries) == 0 {
		return searchFailedPlaceholder
	}

	var parts []string
	for _, query := range input.Queries {
		result, err := r.searcher.Search(ctx, query)
		if err != nil {
			r.logger.Warn("search query failed", "query", query, "error", err)
			continue
		}
		parts = append(parts, "Results for \""+query+"\":\n"+result)
	}
	if len(parts) == 0 {
		return searchFailedPlaceholder
	}
	return strings.Join(parts, "\n\n")
}

// assistantTurnMessage reconstructs the assistant's streamed turn for the
// follow-up request: its text and tool_use blocks, nothing else.
func assistantTurnMessage(response *provider.Response) provider.Message {
	var blocks []provider.ContentBlock
	for _, block := range response.Content {
		switch block.Type {
		case provider.BlockText:
			if block.Text != "" {
				blocks = append(blocks, block)
			}
		case provider.BlockToolUse:
			blocks = append(blocks, block)
		}
	}
	return provider.Message{Role: provider.RoleAssistant, Content: blocks}
}

// toolResultMessage builds the user message carrying one tool_result per
// invocation, in original invocation order.
func toolResultMessage(toolUses []*provider.ToolUse, results []string) provider.Message {
	blocks := make([]provider.ContentBlock, len(toolUses))
	for i, use := range toolUses {
		blocks[i] = provider.ToolResultBlock(use.ID, results[i], results[i] == searchFailedPlaceholder)
	}
	return provider.Message{Role: provider.RoleUser, Content: blocks}
}

// afterTurn hands the finished turn to the background collaborators. Neither
// can delay or fail the user-visible turn.
func (r *Runner) afterTurn(req Request, assistantText string) {
	if r.memory != nil {
		r.memory.ProcessTurnAsync(req.UserID, req.ConversationID, []memory.Turn{
			{Role: store.RoleUser, Content: req.Text},
			{Role: store.RoleAssistant, Content: assistantText},
		})
	}

	if req.GenerateTitle {
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.generateTitle(req.ConversationID, req.Text, assistantText)
		}()
	}
}

// Wait drains background title work on shutdown.
func (r *Runner) Wait() {
	r.background.Wait()
}

// userFacingMessage maps internal errors to client-safe text.
func userFacingMessage(err error) string {
	if errors.Is(err, provider.ErrAuthentication) {
		return "authentication with the model provider failed"
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return "the model provider rejected the request"
	}
	var streamErr *provider.StreamError
	if errors.As(err, &streamErr) {
		return "the model stream failed"
	}
	return "the request could not be completed"
}
