// Package tools routes function-call requests from the model to external
// collaborators and returns their results over the voice stream.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/murmurapp/voicebridge/pkg/realtime"
)

// DefaultStaleAfter is how long an in-flight call identifier is retained
// before being purged as stale. Keeps the in-flight set bounded when a
// collaborator never resolves.
const DefaultStaleAfter = 60 * time.Second

// Sender is the outbound half of the voice stream the dispatcher needs:
// returning results and re-arming response generation. *realtime.Client
// satisfies it.
type Sender interface {
	SendFunctionCallOutput(ctx context.Context, callID, output string) error
	CreateResponse(ctx context.Context) error
}

// Notifier is the turn-state handoff. NoteToolResponse must be called
// before CreateResponse so the resulting response bypasses the phantom
// guard. *turn.Arbiter satisfies it.
type Notifier interface {
	NoteToolCall()
	NoteToolResponse()
}

// ImageGenerator produces an image for a prompt and returns its URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, aspectRatio string) (url string, err error)
}

// WebSearcher answers a query with a text summary.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// HistorySearcher retrieves relevant context from past conversations.
type HistorySearcher interface {
	SearchPastChats(ctx context.Context, query string) (string, error)
}

// Option configures a [Dispatcher] during construction.
type Option func(*Dispatcher)

// WithStaleAfter overrides [DefaultStaleAfter].
func WithStaleAfter(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.staleAfter = d
		}
	}
}

// WithNow injects the time source used for staleness bookkeeping.
func WithNow(now func() time.Time) Option {
	return func(dp *Dispatcher) {
		if now != nil {
			dp.now = now
		}
	}
}

// Collaborators bundles the external capabilities the dispatcher routes to.
// Nil fields make the corresponding tool report unavailability to the model.
type Collaborators struct {
	Images  ImageGenerator
	Search  WebSearcher
	History HistorySearcher

	// DismissImage is the local UI callback behind close_image. It always
	// succeeds.
	DismissImage func()

	// ShowImage is the local UI callback displaying a generated image.
	ShowImage func(url string)
}

// Dispatcher executes tool calls. Each call identifier runs at most once
// concurrently; duplicates are ignored silently. Every executed call sends
// exactly one function_call_output followed by exactly one response.create.
//
// Dispatch blocks while the collaborator runs, so the session manager calls
// it on its own goroutine, off the stream read loop.
type Dispatcher struct {
	sender  Sender
	arbiter Notifier
	collab  Collaborators

	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]time.Time // call id → registration time
}

// NewDispatcher creates a Dispatcher sending results through sender and
// handing turn flags to arbiter.
func NewDispatcher(sender Sender, arbiter Notifier, collab Collaborators, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:     sender,
		arbiter:    arbiter,
		collab:     collab,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		inFlight:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InFlight returns the number of registered, unresolved call identifiers.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Clear drops all in-flight bookkeeping. Called on disconnect.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = make(map[string]time.Time)
}

// Dispatch executes one function call end to end: registration, argument
// parsing, collaborator invocation, result frame, response re-arm. Duplicate
// call identifiers and unknown tool names are no-ops.
func (d *Dispatcher) Dispatch(ctx context.Context, call realtime.FunctionCall) error {
	if !d.register(call.CallID) {
		slog.Debug("tools: ignoring duplicate call", "call_id", call.CallID, "name", call.Name)
		return nil
	}
	defer d.unregister(call.CallID)

	d.arbiter.NoteToolCall()

	// Collaborator execution is bounded by the staleness window: a hung
	// provider would otherwise hold this goroutine past the purge and could
	// emit a late result after the identifier has been re-dispatched.
	execCtx, cancel := context.WithTimeout(ctx, d.staleAfter)
	output, known, err := d.execute(execCtx, call)
	cancel()
	if !known {
		// Unrecognized name: unregister with no result and no re-arm.
		slog.Warn("tools: unknown tool", "name", call.Name, "call_id", call.CallID)
		return nil
	}
	if err != nil {
		// Collaborator and argument failures are narrated by the model,
		// not surfaced to the user; the failure text is the result.
		slog.Warn("tools: call failed", "name", call.Name, "call_id", call.CallID, "err", err)
	}

	return d.respond(ctx, call.CallID, output)
}

// register purges stale entries, then claims the call identifier. It reports
// false when the identifier is already in flight.
func (d *Dispatcher) register(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.staleAfter)
	for id, at := range d.inFlight {
		if at.Before(cutoff) {
			slog.Debug("tools: purging stale call", "call_id", id, "age", d.now().Sub(at))
			delete(d.inFlight, id)
		}
	}

	if _, dup := d.inFlight[callID]; dup {
		return false
	}
	d.inFlight[callID] = d.now()
	return true
}

func (d *Dispatcher) unregister(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, callID)
}

// respond sends the single result frame and re-arms response generation.
// NoteToolResponse precedes CreateResponse so the phantom guard lets the
// continuation through.
func (d *Dispatcher) respond(ctx context.Context, callID, output string) error {
	if err := d.sender.SendFunctionCallOutput(ctx, callID, output); err != nil {
		return fmt.Errorf("tools: send result for %s: %w", callID, err)
	}
	d.arbiter.NoteToolResponse()
	if err := d.sender.CreateResponse(ctx); err != nil {
		return fmt.Errorf("tools: request response for %s: %w", callID, err)
	}
	return nil
}

// execute routes to the collaborator for call.Name. The known result is
// false only for unrecognized names; every known tool produces an output
// string even on failure.
func (d *Dispatcher) execute(ctx context.Context, call realtime.FunctionCall) (output string, known bool, err error) {
	switch call.Name {
	case NameGenerateImage:
		out, err := d.generateImage(ctx, call.Arguments)
		return out, true, err

	case NameCloseImage:
		if d.collab.DismissImage != nil {
			d.collab.DismissImage()
		}
		return "Image closed.", true, nil

	case NameWebSearch:
		out, err := d.runQuery(ctx, call.Arguments, "Web search", func(ctx context.Context, q string) (string, error) {
			if d.collab.Search == nil {
				return "", fmt.Errorf("web search is not available")
			}
			return d.collab.Search.Search(ctx, q)
		})
		return out, true, err

	case NameSearchPastChats:
		out, err := d.runQuery(ctx, call.Arguments, "Past-conversation search", func(ctx context.Context, q string) (string, error) {
			if d.collab.History == nil {
				return "", fmt.Errorf("past-conversation search is not available")
			}
			return d.collab.History.SearchPastChats(ctx, q)
		})
		return out, true, err

	default:
		return "", false, nil
	}
}

func (d *Dispatcher) generateImage(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Prompt      string `json:"prompt"`
		AspectRatio string `json:"aspect_ratio"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Sprintf("Image generation failed: invalid arguments: %v", err), err
	}
	if args.Prompt == "" {
		err := fmt.Errorf("prompt is required")
		return "Image generation failed: prompt is required.", err
	}
	if !slices.Contains(AspectRatios, args.AspectRatio) {
		slog.Debug("tools: unsupported aspect ratio, defaulting", "aspect_ratio", args.AspectRatio)
		args.AspectRatio = "1:1"
	}

	if d.collab.Images == nil {
		err := fmt.Errorf("image generation is not available")
		return "Image generation failed: no image provider is configured.", err
	}

	url, err := d.collab.Images.Generate(ctx, args.Prompt, args.AspectRatio)
	if err != nil {
		return fmt.Sprintf("Image generation failed: %v", err), err
	}

	if d.collab.ShowImage != nil {
		d.collab.ShowImage(url)
	}
	return fmt.Sprintf("Image generated and displayed to the user. Prompt: %q", args.Prompt), nil
}

// runQuery handles the shared shape of the query-based tools: parse a
// {"query": …} argument payload and return the collaborator's text verbatim.
func (d *Dispatcher) runQuery(ctx context.Context, rawArgs, label string, fn func(context.Context, string) (string, error)) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Sprintf("%s failed: invalid arguments: %v", label, err), err
	}
	if args.Query == "" {
		err := fmt.Errorf("query is required")
		return fmt.Sprintf("%s failed: query is required.", label), err
	}

	text, err := fn(ctx, args.Query)
	if err != nil {
		return fmt.Sprintf("%s failed: %v", label, err), err
	}
	return text, nil
}
