package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
)

// stubModel answers every call with reply or err and records the options it saw.
type stubModel struct {
	reply     string
	err       error
	maxTokens int
	prompts   []string
}

func (s *stubModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	s.maxTokens = opts.MaxTokens
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				s.prompts = append(s.prompts, tp.Text)
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s.reply}}}, nil
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func TestGenerate(t *testing.T) {
	stub := &stubModel{reply: "student is working on COS10009 assignment 2"}
	m := NewFromModel(stub, "stub", 300)

	out, err := m.Generate(context.Background(), "summarize")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != stub.reply {
		t.Errorf("Generate() = %q, want %q", out, stub.reply)
	}
	if stub.maxTokens != 300 {
		t.Errorf("max tokens = %d, want 300", stub.maxTokens)
	}
	if len(stub.prompts) != 1 || stub.prompts[0] != "summarize" {
		t.Errorf("prompts = %v", stub.prompts)
	}
	if m.Model() != "stub" {
		t.Errorf("Model() = %q", m.Model())
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Run("fatal provider error", func(t *testing.T) {
		m := NewFromModel(&stubModel{err: errors.New("HTTP 401: invalid api key")}, "stub", 0)
		_, err := m.Generate(context.Background(), "p")
		if !errors.Is(err, ErrFatalAPI) {
			t.Errorf("expected ErrFatalAPI, got %v", err)
		}
	})

	t.Run("transient provider error", func(t *testing.T) {
		m := NewFromModel(&stubModel{err: errors.New("connection reset")}, "stub", 0)
		_, err := m.Generate(context.Background(), "p")
		if err == nil || errors.Is(err, ErrFatalAPI) {
			t.Errorf("expected plain error, got %v", err)
		}
	})
}

func TestNewModelValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"openai without key", config.Config{LLMProvider: config.ProviderOpenAI, LLMModel: "gpt-4o-mini"}},
		{"anthropic without key", config.Config{LLMProvider: config.ProviderAnthropic, LLMModel: "claude"}},
		{"googleai without key", config.Config{LLMProvider: config.ProviderGoogleAI, LLMModel: "gemini-1.5-flash"}},
		{"unknown provider", config.Config{LLMProvider: "mystery"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewModel(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("Invalid API Key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped", fmt.Errorf("generate: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: model not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFatalAPIError(tt.err); got != tt.fatal {
				t.Errorf("isFatalAPIError(%v) = %v, want %v", tt.err, got, tt.fatal)
			}
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	err := errors.New("network timeout")
	if got := wrapFatalError(err); got != err {
		t.Errorf("non-fatal error should pass through, got %v", got)
	}
	if wrapFatalError(nil) != nil {
		t.Error("nil should stay nil")
	}
	if !errors.Is(wrapFatalError(errors.New("quota exceeded")), ErrFatalAPI) {
		t.Error("expected ErrFatalAPI")
	}
}
