// Package prompt assembles the message sequences sent to the generation
// provider: system rules, trimmed knowledge-base instructions, the recent
// conversation history, and the retrieved context block.
package prompt

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	// MaxHistory is the number of most recent history items considered.
	MaxHistory = 12

	// DefaultInstructionsMaxChars caps knowledge-base instructions when
	// RAG_INSTRUCTIONS_MAX_CHARS is unset.
	DefaultInstructionsMaxChars = 6000

	// DefaultGlobalInstructions is used in the global tier when the caller
	// supplied no instructions of its own.
	DefaultGlobalInstructions = "You are a knowledgeable assistant. Give accurate, well-structured answers " +
		"and keep them concise unless the question asks for detail."

	// MultiCollectionNote is appended to the system rules when the context
	// was merged from more than one knowledge base.
	MultiCollectionNote = "The context below may come from several knowledge bases. " +
		"Use every relevant source when answering, not only the first one."
)

// HistoryItem is one prior turn of the conversation, supplied by the caller.
type HistoryItem struct {
	// Role is "user", "assistant" or "system".
	Role string `json:"role"`

	// Content is the text of the turn.
	Content string `json:"content"`
}

// Input carries everything needed to build a scoped message sequence.
type Input struct {
	// SystemRules is the output of SystemRules or GlobalSystemRules.
	SystemRules string

	// ExtraSystem is appended to the system message when non-empty.
	ExtraSystem string

	// History is the caller's conversation history, oldest first.
	History []HistoryItem

	// Context is the rendered retrieval context. Ignored by GlobalMessages.
	Context string

	// Question is the user's current question.
	Question string

	// MaxContextTokens drops the oldest history turns until the estimated
	// prompt fits. Zero disables the budget.
	MaxContextTokens int
}

// TrimInstructions returns text cut to at most maxChars runes, with no
// ellipsis marker. Blank input yields "". maxChars <= 0 selects
// DefaultInstructionsMaxChars.
func TrimInstructions(text string, maxChars int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if maxChars <= 0 {
		maxChars = DefaultInstructionsMaxChars
	}
	if len(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// SystemRules builds the system prompt for answers grounded in retrieved
// knowledge-base context.
func SystemRules(instructions string) string {
	return joinRules(instructions,
		"Answer the question using only the information in the provided context. "+
			"If the context does not contain the answer, say that the knowledge base does not cover it.",
		"Format the entire answer in Markdown.",
		"Do not add a sources, references or citations section of your own. "+
			"The canonical source list is appended after your answer.",
	)
}

// GlobalSystemRules builds the system prompt used when no knowledge-base
// content matched and the model answers from general knowledge.
func GlobalSystemRules(instructions string) string {
	if instructions == "" {
		instructions = DefaultGlobalInstructions
	}
	return joinRules(instructions,
		"No knowledge base content matched this question. Answer from your general knowledge.",
		"If you are not certain, say so plainly instead of guessing.",
		"Format the entire answer in Markdown.",
		"Never invent citations, links or document names.",
	)
}

// joinRules prefixes the instructions block, when present, to the fixed rules.
func joinRules(instructions string, rules ...string) string {
	parts := make([]string, 0, len(rules)+1)
	if instructions != "" {
		parts = append(parts, "Instructions:\n"+instructions)
	}
	parts = append(parts, rules...)
	return strings.Join(parts, "\n\n")
}

// LastHistory returns at most the MaxHistory most recent items, in order.
func LastHistory(items []HistoryItem) []HistoryItem {
	if len(items) > MaxHistory {
		return items[len(items)-MaxHistory:]
	}
	return items
}

// HistoryMessages maps the most recent MaxHistory items to role-tagged
// messages, skipping items with empty content. Unknown roles are sent as
// user turns.
func HistoryMessages(items []HistoryItem) []*schema.Message {
	recent := LastHistory(items)
	msgs := make([]*schema.Message, 0, len(recent))
	for _, it := range recent {
		if strings.TrimSpace(it.Content) == "" {
			continue
		}
		switch schema.RoleType(strings.ToLower(it.Role)) {
		case schema.Assistant:
			msgs = append(msgs, schema.AssistantMessage(it.Content, nil))
		case schema.System:
			msgs = append(msgs, schema.SystemMessage(it.Content))
		default:
			msgs = append(msgs, schema.UserMessage(it.Content))
		}
	}
	return msgs
}

// Messages builds the scoped sequence: system rules, history, then one user
// message holding the context block and the question.
func Messages(in Input) []*schema.Message {
	user := "Context:\n" + in.Context +
		"\n\nQuestion: " + in.Question +
		"\n\nAnswer in Markdown using the context above."
	return assemble(in, user)
}

// GlobalMessages builds the sequence for the global tier: system rules,
// history, then the bare question.
func GlobalMessages(in Input) []*schema.Message {
	user := "Question: " + in.Question + "\n\nAnswer in Markdown."
	return assemble(in, user)
}

// assemble orders the messages and applies the history budget.
func assemble(in Input, userContent string) []*schema.Message {
	system := in.SystemRules
	if in.ExtraSystem != "" {
		system += "\n\n" + in.ExtraSystem
	}
	sysMsg := schema.SystemMessage(system)
	userMsg := schema.UserMessage(userContent)

	history := HistoryMessages(in.History)
	if in.MaxContextTokens > 0 {
		history = TrimHistory([]*schema.Message{sysMsg, userMsg}, history, in.MaxContextTokens)
	}

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, sysMsg)
	msgs = append(msgs, history...)
	msgs = append(msgs, userMsg)
	return msgs
}

// Flatten renders msgs as a single prompt of role-labelled paragraphs, used
// when a provider rejects the structured message sequence.
func Flatten(msgs []*schema.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.Content == "" {
			continue
		}
		parts = append(parts, strings.ToUpper(string(m.Role))+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
