package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/sources"
)

// responsesAPI is the subset of the OpenAI Responses service used here.
type responsesAPI interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// WebSearchRequest is one web-search-augmented question.
type WebSearchRequest struct {
	// SystemRules are sent as the response instructions.
	SystemRules string

	// History is the prior conversation, already role-mapped.
	History []*schema.Message

	// Question is the user's current question.
	Question string

	// Config supplies the model and sampling parameters.
	Config GenerationConfig
}

// WebSearchResult is the decoded answer and its web citations.
type WebSearchResult struct {
	// Answer is the concatenated output text.
	Answer string

	// Citations are the url_citation annotations, deduplicated by URL in
	// first-seen order.
	Citations []sources.Citation
}

// WebSearcher answers questions with the OpenAI Responses API and its
// built-in web search tool.
type WebSearcher struct {
	// api is the Responses service.
	api responsesAPI
}

// NewWebSearcher returns a WebSearcher authenticated with apiKey. baseURL
// overrides the API base when non-empty. An empty key yields a
// *rag.ConfigurationError.
func NewWebSearcher(apiKey, baseURL string) (*WebSearcher, error) {
	if apiKey == "" {
		return nil, &rag.ConfigurationError{Component: "web search", Setting: "WEB_SEARCH_API_KEY"}
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &WebSearcher{api: &client.Responses}, nil
}

// Search sends req with the web_search_preview tool enabled and decodes the
// answer text and URL citations from the response output.
func (w *WebSearcher) Search(ctx context.Context, req WebSearchRequest) (WebSearchResult, error) {
	resp, err := w.api.New(ctx, buildWebSearchParams(req))
	if err != nil {
		return WebSearchResult{}, &rag.ProviderInvocationError{Provider: "openai web search", Err: err}
	}
	res := decodeWebSearch(resp)
	if strings.TrimSpace(res.Answer) == "" {
		return WebSearchResult{}, &rag.ProviderInvocationError{
			Provider: "openai web search",
			Err:      fmt.Errorf("response contained no output text"),
		}
	}
	return res, nil
}

// buildWebSearchParams maps req onto Responses API parameters.
func buildWebSearchParams(req WebSearchRequest) responses.ResponseNewParams {
	items := make(responses.ResponseInputParam, 0, len(req.History)+1)
	for _, m := range req.History {
		if m == nil || m.Content == "" {
			continue
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, inputRole(m.Role)))
	}
	items = append(items, responses.ResponseInputItemParamOfMessage(req.Question, responses.EasyInputMessageRoleUser))

	modelName := req.Config.Model
	if modelName == "" {
		modelName = DefaultGenerationConfig().Model
	}
	params := responses.ResponseNewParams{
		Model: modelName,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Tools: []responses.ToolUnionParam{
			responses.ToolParamOfWebSearchPreview(responses.WebSearchToolTypeWebSearchPreview),
		},
	}
	if req.SystemRules != "" {
		params.Instructions = openai.String(req.SystemRules)
	}
	if isReasoningModel(modelName) {
		return params
	}
	if req.Config.Temperature != nil {
		params.Temperature = openai.Float(float64(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		params.TopP = openai.Float(float64(*req.Config.TopP))
	}
	if req.Config.MaxTokens != nil && *req.Config.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(*req.Config.MaxTokens))
	}
	return params
}

// inputRole maps an eino role to a Responses input role.
func inputRole(r schema.RoleType) responses.EasyInputMessageRole {
	switch r {
	case schema.Assistant:
		return responses.EasyInputMessageRoleAssistant
	case schema.System:
		return responses.EasyInputMessageRoleSystem
	default:
		return responses.EasyInputMessageRoleUser
	}
}

// decodeWebSearch walks the output items explicitly: message items carry
// output_text parts, and those carry url_citation annotations.
func decodeWebSearch(resp *responses.Response) WebSearchResult {
	var (
		res   WebSearchResult
		texts []string
		seen  = map[string]bool{}
	)
	if resp == nil {
		return res
	}
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type != "output_text" {
				continue
			}
			texts = append(texts, part.Text)
			for _, a := range part.Annotations {
				if a.Type != "url_citation" || a.URL == "" || seen[a.URL] {
					continue
				}
				seen[a.URL] = true
				res.Citations = append(res.Citations, sources.Citation{URL: a.URL, Title: a.Title})
			}
		}
	}
	res.Answer = strings.Join(texts, "")
	return res
}
