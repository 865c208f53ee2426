// Package agents holds the registry of known AI agents and classifies raw
// user-agent strings against it.
package agents

import "strings"

// Category classifies the kind of traffic an agent generates.
type Category string

const (
	CategoryCrawler   Category = "ai_crawler"
	CategorySearch    Category = "ai_search"
	CategoryAssistant Category = "ai_assistant"
)

// Signature describes one known agent. UA is the substring matched in raw user-agent strings.
type Signature struct {
	UA          string   `json:"ua"`
	Org         string   `json:"org"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

// Classification is the result of matching a user agent against the registry.
type Classification struct {
	BotName  string   `json:"bot_name"`
	Org      string   `json:"org"`
	Category Category `json:"category"`
}

// registry is ordered; Classify returns the first entry whose UA is contained in the input.
var registry = []Signature{
	// OpenAI
	{UA: "GPTBot", Org: "OpenAI", Category: CategoryCrawler,
		Description: "OpenAI's crawler that indexes content for ChatGPT's training data and knowledge base."},
	{UA: "ChatGPT-User", Org: "OpenAI", Category: CategoryAssistant,
		Description: "Agent spawned by ChatGPT to browse the web during a live conversation when a user asks it to look something up."},
	{UA: "OAI-SearchBot", Org: "OpenAI", Category: CategorySearch,
		Description: "OpenAI's search agent that fetches and indexes web results for ChatGPT's built-in search feature."},
	// Anthropic
	{UA: "ClaudeBot", Org: "Anthropic", Category: CategoryCrawler,
		Description: "Anthropic's crawler that indexes web content for Claude's training data and knowledge base."},
	{UA: "Claude-SearchBot", Org: "Anthropic", Category: CategorySearch,
		Description: "Anthropic's search agent that fetches web results when Claude uses its web search tool."},
	{UA: "Claude-User", Org: "Anthropic", Category: CategoryAssistant,
		Description: "Agent spawned by Claude to fetch a specific URL during a live conversation when a user shares a link."},
	// Google
	{UA: "Google-Extended", Org: "Google", Category: CategoryCrawler,
		Description: "Google's crawler that collects content for Gemini AI training. Separate from Googlebot (which is for Search indexing)."},
	{UA: "Google-CloudVertexBot", Org: "Google", Category: CategoryCrawler,
		Description: "Google Cloud's AI crawler used by Vertex AI and other Google Cloud AI services to fetch grounding data."},
	// Perplexity
	{UA: "PerplexityBot", Org: "Perplexity", Category: CategorySearch,
		Description: "Perplexity's crawler that indexes web content to power its AI-powered search engine."},
	{UA: "Perplexity-User", Org: "Perplexity", Category: CategoryAssistant,
		Description: "Agent spawned by Perplexity during a live search session to fetch and read specific pages for answers."},
	// DeepSeek
	{UA: "DeepSeekBot", Org: "DeepSeek", Category: CategoryCrawler,
		Description: "DeepSeek's crawler that indexes web content for training and grounding their AI models."},
	// Meta
	{UA: "Meta-ExternalAgent", Org: "Meta", Category: CategoryCrawler,
		Description: "Meta's AI crawler that fetches web content for Meta AI features across Facebook, Instagram, and WhatsApp."},
	// Mistral
	{UA: "MistralAI-User", Org: "Mistral", Category: CategoryAssistant,
		Description: "Mistral's agent that fetches web content during live conversations in Le Chat or Mistral API calls."},
	// Apple
	{UA: "Applebot", Org: "Apple", Category: CategorySearch,
		Description: "Apple's crawler used by Siri, Spotlight, and Apple Intelligence to index and summarize web content."},
}

// orgColors maps organizations to their dashboard chart colour.
var orgColors = map[string]string{
	"OpenAI":     "#10b981",
	"Anthropic":  "#f59e0b",
	"Google":     "#3b82f6",
	"Perplexity": "#8b5cf6",
	"DeepSeek":   "#06b6d4",
	"Meta":       "#6366f1",
	"Mistral":    "#ec4899",
	"Apple":      "#6b7280",
}

// All returns a copy of the registry in declaration order.
func All() []Signature {
	out := make([]Signature, len(registry))
	copy(out, registry)
	return out
}

// Classify matches a raw user-agent string to a known agent.
// Returns false when no registry entry is contained in userAgent.
func Classify(userAgent string) (Classification, bool) {
	for _, sig := range registry {
		if strings.Contains(userAgent, sig.UA) {
			return Classification{BotName: sig.UA, Org: sig.Org, Category: sig.Category}, true
		}
	}
	return Classification{}, false
}

// FilterPatterns returns the userAgent_like values for the upstream OR filter.
func FilterPatterns() []string {
	out := make([]string, len(registry))
	for i, sig := range registry {
		out[i] = "%" + sig.UA + "%"
	}
	return out
}

// Lookup returns the signature with the given bot name.
func Lookup(botName string) (Signature, bool) {
	for _, sig := range registry {
		if sig.UA == botName {
			return sig, true
		}
	}
	return Signature{}, false
}

// OrgColor returns the chart colour for an organization, or a neutral grey.
func OrgColor(org string) string {
	if c, ok := orgColors[org]; ok {
		return c
	}
	return "#9ca3af"
}
