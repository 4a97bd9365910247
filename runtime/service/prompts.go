package service

import (
	"fmt"
	"strings"

	"goa.design/recall/runtime/memory"
)

// Default prompt texts. Every prompt here is a configuration input: the
// memorize and retrieve config groups override them per modality, memory
// type or step.
const (
	defaultPreprocessConversationPrompt = "Summarize the following conversation. Keep every concrete fact about the participants: names, preferences, events, plans and opinions."

	defaultPreprocessDocumentPrompt = "Summarize the following document. Keep the key facts, figures and claims."

	defaultPreprocessImagePrompt = "Describe this image in detail, including any visible text."

	defaultPreprocessVideoPrompt = "Describe what this video frame shows, including any visible text."

	defaultCategorySummaryPrompt = "Write a concise summary of the memories below. Merge related facts and drop duplicates."

	defaultSufficiencyPrompt = "You are given a search query and retrieved context. Answer strictly \"yes\" or \"no\": is the context sufficient to answer the query?"

	routeIntentionPrompt = "Answer strictly \"yes\" or \"no\": does answering the last message of this conversation require recalling stored memories about the user?"

	rewritePrompt = "Condense the conversation into one standalone search query over the user's stored memories. Respond with JSON of the form {\"rewritten_query\": \"...\", \"next_step_query\": \"...\"} where next_step_query anticipates the likely follow-up and may be empty."
)

// defaultPreprocessPrompt returns the built-in preprocessing prompt for a
// modality.
func defaultPreprocessPrompt(m memory.Modality) string {
	switch m {
	case memory.ModalityConversation:
		return defaultPreprocessConversationPrompt
	case memory.ModalityImage:
		return defaultPreprocessImagePrompt
	case memory.ModalityVideo:
		return defaultPreprocessVideoPrompt
	default:
		return defaultPreprocessDocumentPrompt
	}
}

// defaultExtractPrompt returns the built-in extraction prompt for one memory
// type. The required output shape matches the extraction schema.
func defaultExtractPrompt(memoryType string) string {
	return fmt.Sprintf("Extract %s memories about the user from the text. "+
		"Respond with a JSON array of objects of the form "+
		`{"summary": "one atomic memory", "category_hints": ["topic", ...]}. `+
		"Return [] when the text contains no %s memories.", memoryType, memoryType)
}

// rankingPrompt instructs the chat model to rank recall candidates.
func rankingPrompt(k int) string {
	return fmt.Sprintf("Each candidate line below is formatted as id|name|summary. "+
		"Select the %d candidates most relevant to the query and respond with a "+
		"JSON array of their ids, most relevant first. Use only ids that appear "+
		"in the candidates.", k)
}

// isYes reports whether a yes/no model answer affirms.
func isYes(answer string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes")
}
