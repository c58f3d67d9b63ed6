package screening

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlancehq/parlance/internal/agent"
	"github.com/parlancehq/parlance/pkg/models"
)

// cannedProvider returns a fixed classifier response or error.
type cannedProvider struct {
	mu      sync.Mutex
	content string
	err     error
	inputs  []string
}

func (p *cannedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, req.Messages[len(req.Messages)-1].Content)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &agent.CompletionResult{Content: p.content, FinishReason: agent.FinishStop}, nil
}

func (p *cannedProvider) Name() string          { return "canned" }
func (p *cannedProvider) Models() []agent.Model { return nil }
func (p *cannedProvider) SupportsTools() bool   { return false }

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    bool
		wantFlag   bool
		wantAction models.ScreeningAction
	}{
		{
			name:       "clean allow",
			content:    `{"flagged": false, "action": "allow"}`,
			wantAction: models.ScreeningAllow,
		},
		{
			name:       "block",
			content:    `{"flagged": true, "action": "block", "reason": "abuse"}`,
			wantFlag:   true,
			wantAction: models.ScreeningBlock,
		},
		{
			name:       "verdict wrapped in prose",
			content:    "Here is my assessment:\n```json\n{\"flagged\": true, \"action\": \"escalate\"}\n```",
			wantFlag:   true,
			wantAction: models.ScreeningEscalate,
		},
		{
			name:       "missing action defaults to allow",
			content:    `{"flagged": false}`,
			wantAction: models.ScreeningAllow,
		},
		{
			name:       "unknown action degrades to escalate",
			content:    `{"flagged": true, "action": "quarantine"}`,
			wantFlag:   true,
			wantAction: models.ScreeningEscalate,
		},
		{
			name:    "no json at all",
			content: "I cannot classify this.",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := parseVerdict(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVerdict() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if verdict.Flagged != tt.wantFlag {
				t.Errorf("Flagged = %v, want %v", verdict.Flagged, tt.wantFlag)
			}
			if verdict.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", verdict.Action, tt.wantAction)
			}
		})
	}
}

func TestEvaluateClassifierSeesQuestionAndReply(t *testing.T) {
	provider := &cannedProvider{content: `{"flagged": false, "action": "allow"}`}
	s := New(provider, Config{}, nil)

	if _, err := s.Evaluate(context.Background(), "c1", "what is 2+2", "it is 4"); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.inputs) != 1 {
		t.Fatalf("classifier called %d times, want 1", len(provider.inputs))
	}
	input := provider.inputs[0]
	if !strings.Contains(input, "what is 2+2") || !strings.Contains(input, "it is 4") {
		t.Errorf("classifier input %q missing question or reply", input)
	}
}

func TestEvaluateReplaceUsesConfiguredSubstitute(t *testing.T) {
	provider := &cannedProvider{
		content: `{"flagged": true, "action": "replace", "replacement": "classifier text"}`,
	}
	s := New(provider, Config{Substitute: "Let me try that differently."}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "q", "flagged reply")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if verdict.Action != models.ScreeningReplace {
		t.Fatalf("Action = %q, want replace", verdict.Action)
	}
	if verdict.Replacement != "Let me try that differently." {
		t.Errorf("Replacement = %q, want the configured substitute", verdict.Replacement)
	}
}

func TestEvaluateReplaceFallsBackToDefaultSubstitute(t *testing.T) {
	provider := &cannedProvider{content: `{"flagged": true, "action": "replace"}`}
	s := New(provider, Config{}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "q", "flagged reply")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if verdict.Replacement != defaultSubstitute {
		t.Errorf("Replacement = %q, want the built-in substitute", verdict.Replacement)
	}
}

func TestEvaluateConfiguredActionOverridesClassifier(t *testing.T) {
	provider := &cannedProvider{
		content: `{"flagged": true, "action": "block", "reason": "policy"}`,
	}
	s := New(provider, Config{Action: "replace", Substitute: "substitute text"}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "q", "flagged reply")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if verdict.Action != models.ScreeningReplace {
		t.Errorf("Action = %q, want the configured replace", verdict.Action)
	}
	if verdict.Replacement != "substitute text" {
		t.Errorf("Replacement = %q, want configured substitute", verdict.Replacement)
	}
}

func TestEvaluateFailOpen(t *testing.T) {
	s := New(&cannedProvider{err: errors.New("provider down")}, Config{}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "hello", "hi there")
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil", err)
	}
	if verdict.Flagged {
		t.Error("fail-open verdict is flagged, want allow")
	}
	if verdict.Action != models.ScreeningAllow {
		t.Errorf("Action = %q, want allow", verdict.Action)
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	s := New(&cannedProvider{err: errors.New("provider down")}, Config{FailClosed: true}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "hello", "hi there")
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil", err)
	}
	if !verdict.Flagged || verdict.Action != models.ScreeningBlock {
		t.Errorf("fail-closed verdict = %+v, want flagged block", verdict)
	}
}

func TestEvaluateUnparseableFallsBackToPolicy(t *testing.T) {
	s := New(&cannedProvider{content: "no json here"}, Config{}, nil)

	verdict, err := s.Evaluate(context.Background(), "c1", "hello", "hi there")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if verdict.Action != models.ScreeningAllow {
		t.Errorf("Action = %q, want allow under fail-open", verdict.Action)
	}
}

type recordingEscalator struct {
	mu     sync.Mutex
	called chan struct{}
	got    Escalation
}

func (e *recordingEscalator) Escalate(ctx context.Context, esc Escalation) {
	e.mu.Lock()
	e.got = esc
	e.mu.Unlock()
	close(e.called)
}

func TestEvaluateEscalatesWithFullPayload(t *testing.T) {
	provider := &cannedProvider{
		content: `{"flagged": true, "action": "escalate", "reason": "ambiguous"}`,
	}
	s := New(provider, Config{}, nil)
	escalator := &recordingEscalator{called: make(chan struct{})}
	s.SetEscalator(escalator)

	verdict, err := s.Evaluate(context.Background(), "conv-9", "gray area question", "gray area reply")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if verdict.Action != models.ScreeningEscalate {
		t.Fatalf("Action = %q, want escalate", verdict.Action)
	}

	select {
	case <-escalator.called:
	case <-time.After(time.Second):
		t.Fatal("escalator was not invoked")
	}

	escalator.mu.Lock()
	defer escalator.mu.Unlock()
	want := Escalation{
		ConversationID: "conv-9",
		Question:       "gray area question",
		Reply:          "gray area reply",
		Reason:         "ambiguous",
	}
	if escalator.got != want {
		t.Errorf("Escalate() got %+v, want %+v", escalator.got, want)
	}
}
