package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/54b3r/kbai-go/internal/rag"
)

// fakeChat is a scripted model.BaseChatModel.
type fakeChat struct {
	// replies are returned in order; the last one repeats.
	replies []fakeReply

	// mu guards calls.
	mu sync.Mutex
	// calls records the messages of every Generate call.
	calls [][]*schema.Message
}

// fakeReply is one scripted Generate outcome.
type fakeReply struct {
	// text is the returned content.
	text string
	// err is returned instead of a message when set.
	err error
}

func (f *fakeChat) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, input)
	r := f.replies[min(len(f.calls), len(f.replies))-1]
	if r.err != nil {
		return nil, r.err
	}
	return schema.AssistantMessage(r.text, nil), nil
}

func (f *fakeChat) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

// ── ParseProvider ────────────────────────────────────────────────────────────

func TestParseProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"openai", ProviderOpenAI, false},
		{" Gemini ", ProviderGemini, false},
		{"ANTHROPIC", ProviderAnthropic, false},
		{"ollama", ProviderOllama, false},
		{"ark", ProviderArk, false},
		{"bedrock", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseProvider(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseProvider(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseProvider(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// ── Fingerprint ──────────────────────────────────────────────────────────────

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := DefaultGenerationConfig()
	b := DefaultGenerationConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equal configs must have equal fingerprints")
	}
	b.StopSequences = []string{"END"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("stop sequence change must change the fingerprint")
	}
	c := DefaultGenerationConfig()
	c.Temperature = ptr[float32](0.7)
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("temperature change must change the fingerprint")
	}
}

// ── reasoning models ─────────────────────────────────────────────────────────

func TestIsReasoningModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{"o1", true},
		{"o1-mini", true},
		{"o3-pro", true},
		{"o4-mini", true},
		{"O3-Mini", true}, // case-insensitive
		{"gpt-5", true},
		{"gpt-5-mini", true},
		{"codex-mini", true},
		{"gpt-5.2-codex", true}, // gpt-5 prefix
		{"my-codex", false},
		{"gpt-4o", false},
		{"gpt-4.1", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isReasoningModel(tc.name); got != tc.want {
				t.Errorf("isReasoningModel(%q) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

// ── per-provider defaults ────────────────────────────────────────────────────

func TestOpenAIConfig(t *testing.T) {
	t.Parallel()

	creds := Credentials{OpenAIAPIKey: "sk-test"}

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		c, err := openAIConfig(GenerationConfig{Provider: ProviderOpenAI, Model: "gpt-4o"}, creds)
		if err != nil {
			t.Fatal(err)
		}
		if c.Temperature == nil || *c.Temperature != 0.1 {
			t.Errorf("Temperature = %v, want 0.1", c.Temperature)
		}
		if c.MaxTokens == nil || *c.MaxTokens != 1200 {
			t.Errorf("MaxTokens = %v, want 1200", c.MaxTokens)
		}
	})

	t.Run("explicit values win", func(t *testing.T) {
		t.Parallel()
		c, err := openAIConfig(GenerationConfig{Model: "gpt-4o", Temperature: ptr[float32](0.9), MaxTokens: ptr(50)}, creds)
		if err != nil {
			t.Fatal(err)
		}
		if *c.Temperature != 0.9 || *c.MaxTokens != 50 {
			t.Errorf("got temperature %v max %v", *c.Temperature, *c.MaxTokens)
		}
	})

	t.Run("reasoning model omits sampling", func(t *testing.T) {
		t.Parallel()
		c, err := openAIConfig(GenerationConfig{Model: "o3-mini", Temperature: ptr[float32](0.9), MaxTokens: ptr(50)}, creds)
		if err != nil {
			t.Fatal(err)
		}
		if c.Temperature != nil || c.TopP != nil || c.MaxTokens != nil {
			t.Errorf("sampling params must be omitted, got %+v", c)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		_, err := openAIConfig(GenerationConfig{Model: "gpt-4o"}, Credentials{})
		var ce *rag.ConfigurationError
		if !errors.As(err, &ce) || ce.Setting != "OPENAI_API_KEY" {
			t.Errorf("err = %v, want ConfigurationError for OPENAI_API_KEY", err)
		}
	})
}

func TestGeminiConfig(t *testing.T) {
	t.Parallel()

	c, err := geminiConfig(GenerationConfig{Model: "gemini-2.0-flash"}, Credentials{GoogleAPIKey: "g"})
	if err != nil {
		t.Fatal(err)
	}
	if *c.Temperature != 0.2 || *c.MaxTokens != 2048 || *c.TopK != 40 {
		t.Errorf("unexpected defaults: temperature %v max %v topK %v", *c.Temperature, *c.MaxTokens, *c.TopK)
	}

	_, err = geminiConfig(GenerationConfig{Model: "gemini-2.0-flash"}, Credentials{})
	var ce *rag.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConfigurationError", err)
	}
}

func TestAnthropicConfig(t *testing.T) {
	t.Parallel()

	c, err := anthropicConfig(GenerationConfig{Model: "claude-sonnet-4"}, Credentials{AnthropicAPIKey: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", c.MaxTokens)
	}
	if c.TopP != nil {
		t.Error("TopP must be unset unless configured")
	}

	c, err = anthropicConfig(GenerationConfig{Model: "claude-sonnet-4", MaxTokens: ptr(0), TopP: ptr[float32](0.5)}, Credentials{AnthropicAPIKey: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxTokens != 1024 {
		t.Errorf("zero MaxTokens must fall back to 1024, got %d", c.MaxTokens)
	}
	if c.TopP == nil || *c.TopP != 0.5 {
		t.Errorf("TopP = %v, want 0.5", c.TopP)
	}
}

func TestArkConfig(t *testing.T) {
	t.Parallel()

	if _, err := arkConfig(GenerationConfig{Model: "doubao"}, Credentials{}); err == nil {
		t.Fatal("expected error for missing ARK_API_KEY")
	}
	c, err := arkConfig(GenerationConfig{Model: "doubao"}, Credentials{ArkAPIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if *c.MaxTokens != 1200 {
		t.Errorf("MaxTokens = %d, want 1200", *c.MaxTokens)
	}
}

func TestOllamaOptions(t *testing.T) {
	t.Parallel()

	if got := len(ollamaOptions(GenerationConfig{})); got != 1 {
		t.Errorf("default options = %d, want 1 (temperature)", got)
	}
	cfg := GenerationConfig{MaxTokens: ptr(10), TopP: ptr[float32](0.5), StopSequences: []string{"x"}}
	if got := len(ollamaOptions(cfg)); got != 4 {
		t.Errorf("options = %d, want 4", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), GenerationConfig{Provider: ProviderOpenAI}, Credentials{OpenAIAPIKey: "k"}); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New(context.Background(), GenerationConfig{Provider: "bedrock", Model: "m"}, Credentials{}); err == nil {
		t.Error("expected error for unsupported provider")
	}
	_, err := New(context.Background(), GenerationConfig{Provider: ProviderAnthropic, Model: "m"}, Credentials{})
	var ce *rag.ConfigurationError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConfigurationError", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CachesByFingerprint(t *testing.T) {
	t.Parallel()

	builds := 0
	reg := NewRegistryWithBuilder(Credentials{}, func(_ context.Context, cfg GenerationConfig, _ Credentials) (*Model, error) {
		builds++
		return &Model{Chat: &fakeChat{replies: []fakeReply{{text: cfg.Model}}}, Provider: cfg.Provider}, nil
	})
	ctx := context.Background()
	cfg := DefaultGenerationConfig()

	m1, err := reg.Model(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	m2, _ := reg.Model(ctx, cfg)
	if m1 != m2 || builds != 1 {
		t.Fatalf("same config must reuse the model: builds=%d", builds)
	}

	cfg.Model = "gpt-4.1"
	m3, _ := reg.Model(ctx, cfg)
	if m3 == m1 || builds != 2 {
		t.Fatalf("changed config must rebuild: builds=%d", builds)
	}

	reg.Invalidate()
	if _, err := reg.Model(ctx, cfg); err != nil || builds != 3 {
		t.Fatalf("Invalidate must force a rebuild: builds=%d err=%v", builds, err)
	}
}

func TestRegistry_BuildErrorNotCached(t *testing.T) {
	t.Parallel()

	fail := true
	reg := NewRegistryWithBuilder(Credentials{}, func(context.Context, GenerationConfig, Credentials) (*Model, error) {
		if fail {
			return nil, &rag.ConfigurationError{Component: "provider openai", Setting: "OPENAI_API_KEY"}
		}
		return &Model{Chat: &fakeChat{replies: []fakeReply{{text: "ok"}}}}, nil
	})
	if _, err := reg.Model(context.Background(), DefaultGenerationConfig()); err == nil {
		t.Fatal("expected build error")
	}
	fail = false
	if _, err := reg.Model(context.Background(), DefaultGenerationConfig()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

// ── Generate ─────────────────────────────────────────────────────────────────

func TestGenerate(t *testing.T) {
	t.Parallel()

	msgs := []*schema.Message{schema.SystemMessage("rules"), schema.UserMessage("question")}

	tests := []struct {
		name          string
		replies       []fakeReply
		wantText      string
		wantFlattened bool
		wantCalls     int
		wantErr       bool
	}{
		{
			name:      "structured success",
			replies:   []fakeReply{{text: "answer"}},
			wantText:  "answer",
			wantCalls: 1,
		},
		{
			name:          "structured error then flattened success",
			replies:       []fakeReply{{err: errors.New("bad role")}, {text: "flat answer"}},
			wantText:      "flat answer",
			wantFlattened: true,
			wantCalls:     2,
		},
		{
			name:          "empty output triggers retry",
			replies:       []fakeReply{{text: "  "}, {text: "second"}},
			wantText:      "second",
			wantFlattened: true,
			wantCalls:     2,
		},
		{
			name:      "both fail",
			replies:   []fakeReply{{err: errors.New("first")}, {err: errors.New("second")}},
			wantCalls: 2,
			wantErr:   true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			chat := &fakeChat{replies: tc.replies}
			res, err := Generate(context.Background(), &Model{Chat: chat, Provider: ProviderOpenAI}, msgs)
			if len(chat.calls) != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", len(chat.calls), tc.wantCalls)
			}
			if tc.wantErr {
				var pe *rag.ProviderInvocationError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want ProviderInvocationError", err)
				}
				if !pe.FlattenedRetry || pe.Provider != "openai" {
					t.Errorf("unexpected error fields: %+v", pe)
				}
				if !strings.Contains(err.Error(), "first") || !strings.Contains(err.Error(), "second") {
					t.Errorf("error must carry both causes: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if res.Text != tc.wantText || res.Flattened != tc.wantFlattened {
				t.Errorf("got %+v", res)
			}
			if tc.wantFlattened {
				retry := chat.calls[1]
				if len(retry) != 1 || retry[0].Role != schema.User {
					t.Fatalf("retry must be a single user message, got %d messages", len(retry))
				}
				if retry[0].Content != "SYSTEM: rules\n\nUSER: question" {
					t.Errorf("flattened content = %q", retry[0].Content)
				}
			}
		})
	}
}

func TestGenerate_NoRetryWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chat := &fakeChat{replies: []fakeReply{{err: context.Canceled}}}
	_, err := Generate(ctx, &Model{Chat: chat, Provider: ProviderGemini}, []*schema.Message{schema.UserMessage("q")})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(chat.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(chat.calls))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
}

// ── WebSearcher ──────────────────────────────────────────────────────────────

// fakeResponses captures the request and returns a canned response.
type fakeResponses struct {
	// resp is returned from New.
	resp *responses.Response
	// err is returned from New when set.
	err error
	// got is the last request body.
	got responses.ResponseNewParams
}

func (f *fakeResponses) New(_ context.Context, body responses.ResponseNewParams, _ ...option.RequestOption) (*responses.Response, error) {
	f.got = body
	return f.resp, f.err
}

func TestDecodeWebSearch(t *testing.T) {
	t.Parallel()

	resp := &responses.Response{
		Output: []responses.ResponseOutputItemUnion{
			{Type: "web_search_call"},
			{
				Type: "message",
				Content: []responses.ResponseOutputMessageContentUnion{
					{
						Type: "output_text",
						Text: "Go 1.24 shipped ",
						Annotations: []responses.ResponseOutputTextAnnotationUnion{
							{Type: "url_citation", URL: "https://go.dev/blog", Title: "Go Blog"},
							{Type: "url_citation", URL: "https://go.dev/blog", Title: "Go Blog again"},
							{Type: "file_citation", FileID: "f1"},
						},
					},
					{Type: "refusal", Refusal: "no"},
					{
						Type: "output_text",
						Text: "in February.",
						Annotations: []responses.ResponseOutputTextAnnotationUnion{
							{Type: "url_citation", URL: "https://go.dev/doc/go1.24"},
						},
					},
				},
			},
		},
	}

	got := decodeWebSearch(resp)
	if got.Answer != "Go 1.24 shipped in February." {
		t.Errorf("Answer = %q", got.Answer)
	}
	if len(got.Citations) != 2 {
		t.Fatalf("citations = %+v, want 2 deduplicated", got.Citations)
	}
	if got.Citations[0].Title != "Go Blog" || got.Citations[1].URL != "https://go.dev/doc/go1.24" {
		t.Errorf("citations = %+v", got.Citations)
	}
}

func TestWebSearcher_Search(t *testing.T) {
	t.Parallel()

	t.Run("no output text", func(t *testing.T) {
		t.Parallel()
		w := &WebSearcher{api: &fakeResponses{resp: &responses.Response{}}}
		_, err := w.Search(context.Background(), WebSearchRequest{Question: "q"})
		var pe *rag.ProviderInvocationError
		if !errors.As(err, &pe) {
			t.Errorf("err = %v, want ProviderInvocationError", err)
		}
	})

	t.Run("api error", func(t *testing.T) {
		t.Parallel()
		w := &WebSearcher{api: &fakeResponses{err: errors.New("429")}}
		if _, err := w.Search(context.Background(), WebSearchRequest{Question: "q"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("params", func(t *testing.T) {
		t.Parallel()
		fake := &fakeResponses{resp: &responses.Response{Output: []responses.ResponseOutputItemUnion{{
			Type:    "message",
			Content: []responses.ResponseOutputMessageContentUnion{{Type: "output_text", Text: "hi"}},
		}}}}
		w := &WebSearcher{api: fake}
		_, err := w.Search(context.Background(), WebSearchRequest{
			SystemRules: "rules",
			History:     []*schema.Message{schema.UserMessage("earlier"), schema.AssistantMessage("", nil)},
			Question:    "now",
			Config:      GenerationConfig{Model: "gpt-4o", Temperature: ptr[float32](0.3)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if fake.got.Model != "gpt-4o" {
			t.Errorf("Model = %q", fake.got.Model)
		}
		if len(fake.got.Input.OfInputItemList) != 2 {
			t.Errorf("input items = %d, want 2 (empty history skipped)", len(fake.got.Input.OfInputItemList))
		}
		if len(fake.got.Tools) != 1 {
			t.Errorf("tools = %d, want 1", len(fake.got.Tools))
		}
		if fake.got.Instructions.Value != "rules" {
			t.Errorf("Instructions = %q", fake.got.Instructions.Value)
		}
		if fake.got.Temperature.Value != float64(float32(0.3)) {
			t.Errorf("Temperature = %v", fake.got.Temperature.Value)
		}
	})
}

func TestNewWebSearcher(t *testing.T) {
	t.Parallel()

	if _, err := NewWebSearcher("", ""); err == nil {
		t.Fatal("expected ConfigurationError for empty key")
	}

	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"object": "response",
			"created_at": 0,
			"model": "gpt-4o",
			"status": "completed",
			"output": [
				{"type": "web_search_call", "id": "ws_1", "status": "completed"},
				{"type": "message", "id": "msg_1", "role": "assistant", "status": "completed",
				 "content": [{"type": "output_text", "text": "Answer.",
				   "annotations": [{"type": "url_citation", "url": "https://example.com", "title": "Example", "start_index": 0, "end_index": 7}]}]}
			]
		}`)
	}))
	t.Cleanup(srv.Close)

	w, err := NewWebSearcher("sk-web", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := w.Search(ctx, WebSearchRequest{Question: "what?"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(gotPath, "/responses") {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-web" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	tools, _ := gotBody["tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("tools = %v", gotBody["tools"])
	}
	if res.Answer != "Answer." || len(res.Citations) != 1 || res.Citations[0].Title != "Example" {
		t.Errorf("result = %+v", res)
	}
}
