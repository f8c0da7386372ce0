package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/murmurapp/voicebridge/pkg/realtime"
)

// recordingSender captures the frames the dispatcher emits.
type recordingSender struct {
	mu      sync.Mutex
	outputs []sentOutput
	creates int
}

type sentOutput struct {
	callID string
	output string
}

func (s *recordingSender) SendFunctionCallOutput(_ context.Context, callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, sentOutput{callID, output})
	return nil
}

func (s *recordingSender) CreateResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	return nil
}

func (s *recordingSender) sent() ([]sentOutput, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentOutput(nil), s.outputs...), s.creates
}

// recordingNotifier counts arbiter handoffs.
type recordingNotifier struct {
	mu        sync.Mutex
	toolCalls int
	responses int
}

func (n *recordingNotifier) NoteToolCall() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toolCalls++
}

func (n *recordingNotifier) NoteToolResponse() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses++
}

// blockingSearcher executes searches only once released.
type blockingSearcher struct {
	started chan struct{}
	release chan struct{}
	count   int
	mu      sync.Mutex
}

func (b *blockingSearcher) Search(ctx context.Context, query string) (string, error) {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	close(b.started)
	<-b.release
	return "result for " + query, nil
}

type searchFunc func(ctx context.Context, query string) (string, error)

func (f searchFunc) Search(ctx context.Context, query string) (string, error) { return f(ctx, query) }

func TestDispatchWebSearchSendsOneResultAndOneResponse(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	d := NewDispatcher(sender, notifier, Collaborators{
		Search: searchFunc(func(_ context.Context, q string) (string, error) {
			return "it is sunny in " + q, nil
		}),
	})

	err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameWebSearch,
		CallID:    "call-1",
		Arguments: `{"query":"Lisbon"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	outputs, creates := sender.sent()
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}
	if outputs[0].callID != "call-1" || outputs[0].output != "it is sunny in Lisbon" {
		t.Errorf("output = %+v", outputs[0])
	}
	if creates != 1 {
		t.Errorf("response.create count = %d, want 1", creates)
	}
	if notifier.responses != 1 {
		t.Errorf("NoteToolResponse count = %d, want 1", notifier.responses)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in-flight after resolve = %d, want 0", got)
	}
}

func TestDuplicateCallIDExecutesOnce(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	searcher := &blockingSearcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{Search: searcher})

	call := realtime.FunctionCall{
		Name:      NameWebSearch,
		CallID:    "dup-1",
		Arguments: `{"query":"news"}`,
	}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), call) }()
	<-searcher.started

	// Duplicate while the first is still executing: silent no-op.
	if err := d.Dispatch(context.Background(), call); err != nil {
		t.Fatalf("duplicate Dispatch: %v", err)
	}

	close(searcher.release)
	if err := <-done; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if searcher.count != 1 {
		t.Errorf("executions = %d, want 1", searcher.count)
	}
	outputs, creates := sender.sent()
	if len(outputs) != 1 || creates != 1 {
		t.Errorf("outputs = %d, creates = %d, want 1 and 1", len(outputs), creates)
	}
}

func TestStaleCallsArePurgedBeforeDispatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := now
	var mu sync.Mutex
	nowFn := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	sender := &recordingSender{}
	searcher := &blockingSearcher{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{Search: searcher}, WithNow(nowFn))

	call := realtime.FunctionCall{
		Name:      NameWebSearch,
		CallID:    "stuck-1",
		Arguments: `{"query":"stuck"}`,
	}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), call) }()
	<-searcher.started

	if got := d.InFlight(); got != 1 {
		t.Fatalf("in-flight = %d, want 1", got)
	}

	// Advance past the staleness window; the stuck entry must be purged on
	// the next dispatch decision, allowing the identifier to run again.
	mu.Lock()
	clock = now.Add(DefaultStaleAfter + time.Second)
	mu.Unlock()

	if err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameCloseImage,
		CallID:    "other-1",
		Arguments: `{}`,
	}); err != nil {
		t.Fatalf("Dispatch after purge: %v", err)
	}

	// The purge dropped stuck-1: only other-1 remains registered during its
	// own run, and both resolve to zero.
	close(searcher.release)
	if err := <-done; err != nil {
		t.Fatalf("stuck Dispatch: %v", err)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in-flight after all resolve = %d, want 0", got)
	}
}

func TestHungCollaboratorIsCutOffAtStalenessWindow(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{
		Search: searchFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	}, WithStaleAfter(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- d.Dispatch(context.Background(), realtime.FunctionCall{
			Name:      NameWebSearch,
			CallID:    "hung-1",
			Arguments: `{"query":"never returns"}`,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Dispatch did not return after the staleness window elapsed")
	}

	outputs, creates := sender.sent()
	if len(outputs) != 1 || !strings.Contains(outputs[0].output, "failed") {
		t.Fatalf("outputs = %+v, want one failure result", outputs)
	}
	if creates != 1 {
		t.Errorf("response.create count = %d, want 1", creates)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func TestMalformedArgumentsSendFailureResult(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{
		Search: searchFunc(func(context.Context, string) (string, error) {
			t.Error("collaborator must not run on malformed arguments")
			return "", nil
		}),
	})

	err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameWebSearch,
		CallID:    "bad-1",
		Arguments: `{"query":`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	outputs, creates := sender.sent()
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1 failure result", len(outputs))
	}
	if !strings.Contains(outputs[0].output, "invalid arguments") {
		t.Errorf("failure output = %q, want invalid-arguments text", outputs[0].output)
	}
	if creates != 1 {
		t.Errorf("response.create count = %d, want 1", creates)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func TestProviderFailureIsNarratedNotSurfaced(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{
		Search: searchFunc(func(context.Context, string) (string, error) {
			return "", fmt.Errorf("upstream returned 503")
		}),
	})

	err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameWebSearch,
		CallID:    "fail-1",
		Arguments: `{"query":"anything"}`,
	})
	if err != nil {
		t.Fatalf("Dispatch returned error %v, want nil (failures resolve to results)", err)
	}

	outputs, _ := sender.sent()
	if len(outputs) != 1 || !strings.Contains(outputs[0].output, "upstream returned 503") {
		t.Errorf("outputs = %+v, want one result embedding the error text", outputs)
	}
}

func TestUnknownToolNameIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	d := NewDispatcher(sender, notifier, Collaborators{})

	err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      "format_hard_drive",
		CallID:    "nope-1",
		Arguments: `{}`,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	outputs, creates := sender.sent()
	if len(outputs) != 0 || creates != 0 {
		t.Errorf("outputs = %d, creates = %d, want 0 and 0", len(outputs), creates)
	}
	if notifier.responses != 0 {
		t.Errorf("NoteToolResponse count = %d, want 0", notifier.responses)
	}
	if got := d.InFlight(); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func TestCloseImageInvokesDismissCallback(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	dismissed := 0
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{
		DismissImage: func() { dismissed++ },
	})

	if err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameCloseImage,
		CallID:    "close-1",
		Arguments: `{}`,
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if dismissed != 1 {
		t.Errorf("dismiss callbacks = %d, want 1", dismissed)
	}
	outputs, creates := sender.sent()
	if len(outputs) != 1 || creates != 1 {
		t.Errorf("outputs = %d, creates = %d, want 1 and 1", len(outputs), creates)
	}
}

func TestGenerateImageShowsAndConfirms(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	var shown string
	d := NewDispatcher(sender, &recordingNotifier{}, Collaborators{
		Images: imageFunc(func(_ context.Context, prompt, ratio string) (string, error) {
			if ratio != "16:9" {
				t.Errorf("aspect ratio = %q, want 16:9", ratio)
			}
			return "https://img.example/abc.png", nil
		}),
		ShowImage: func(url string) { shown = url },
	})

	if err := d.Dispatch(context.Background(), realtime.FunctionCall{
		Name:      NameGenerateImage,
		CallID:    "img-1",
		Arguments: `{"prompt":"a lighthouse at dusk","aspect_ratio":"16:9"}`,
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if shown != "https://img.example/abc.png" {
		t.Errorf("shown URL = %q", shown)
	}
	outputs, _ := sender.sent()
	if len(outputs) != 1 || !strings.Contains(outputs[0].output, "a lighthouse at dusk") {
		t.Errorf("outputs = %+v, want confirmation embedding the prompt", outputs)
	}
}

type imageFunc func(ctx context.Context, prompt, aspectRatio string) (string, error)

func (f imageFunc) Generate(ctx context.Context, prompt, aspectRatio string) (string, error) {
	return f(ctx, prompt, aspectRatio)
}
