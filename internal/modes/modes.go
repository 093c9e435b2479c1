package modes

// Mode resolves a client-facing mode id to the generation configuration used
// by the chat endpoint. The model names are the free-tier Gemini family; the
// fallback chain always ends at BaselineModel.
type Mode struct {
	ID              string
	Name            string
	Description     string
	DailyLimit      int
	Model           string
	FallbackModel   string
	ThinkingEnabled bool
	SystemPrompt    string
}

// BaselineModel is the hard-coded last-resort model appended to every
// fallback chain. It has the highest free-tier quota and no thinking support.
const BaselineModel = "gemini-2.0-flash"

// TitleModel is the fixed fast model used for conversation title generation.
const TitleModel = "gemini-2.0-flash"

// DefaultMode is used when a request does not specify a mode.
const DefaultMode = "fast"

const fastPrompt = `You are Black AI, a fast and efficient assistant.

FORMAT RULES:
- Organize sections with ## and ### headings
- Use **bold** for key concepts and important terms
- Separate paragraphs with blank lines
- Use bulleted (- ) or numbered (1. ) lists when enumerating
- Put code in fenced blocks with the language specified
- Use markdown tables for comparisons

CONTENT RULES:
- Answer directly, clearly and concisely
- Get to the point without unnecessary preamble
- Keep answers brief but complete
- Reply in the same language as the user`

const thinkPrompt = `You are Black AI in deep-thinking mode, specialized in detailed reasoning and thorough analysis.

FORMAT RULES:
- Organize each section of your analysis with ## and ### headings
- Use **bold** to highlight conclusions and key concepts
- Use numbered lists for sequential steps and bullets for alternatives
- Use markdown tables when comparing options
- For code: fenced blocks with the language and explanatory comments

CONTENT RULES:
- Analyze each problem step by step, methodically
- Consider multiple perspectives before answering
- Explain your reasoning in a clear, structured way
- If there is ambiguity, explore the different interpretations
- If you notice an error in your reasoning, correct yourself
- Reply in the same language as the user`

const advancedPrompt = `You are Black AI in advanced mode, a world-class expert on any topic.

FORMAT RULES:
- Structure with hierarchical headings: ## for main sections, ### for subsections
- Use **bold** for critical concepts, technical terms and conclusions
- Use numbered lists for processes and bullets for features and options
- Use markdown tables for comparisons, specifications and structured data
- For code: production quality with types, error handling and documentation
- Include practical examples when useful

CONTENT RULES:
- Provide the highest quality answers possible, like a senior expert
- Go deep with specialized, detailed knowledge
- Include nuance, edge cases and best practices
- Anticipate follow-up questions and address them proactively
- Do not oversimplify: the user expects complete, advanced answers
- Reply in the same language as the user`

var registry = map[string]Mode{
	"fast": {
		ID:              "fast",
		Name:            "Fast",
		Description:     "Instant answers for quick questions",
		DailyLimit:      15,
		Model:           "gemini-2.5-flash",
		FallbackModel:   "gemini-2.0-flash",
		ThinkingEnabled: false,
		SystemPrompt:    fastPrompt,
	},
	"think": {
		ID:              "think",
		Name:            "Think",
		Description:     "Deep analysis with step-by-step reasoning",
		DailyLimit:      5,
		Model:           "gemini-2.5-flash",
		FallbackModel:   "gemini-2.0-flash",
		ThinkingEnabled: true,
		SystemPrompt:    thinkPrompt,
	},
	"advanced": {
		ID:              "advanced",
		Name:            "Advanced",
		Description:     "Maximum capability for specialized tasks",
		DailyLimit:      5,
		Model:           "gemini-2.5-pro",
		FallbackModel:   "gemini-2.5-flash",
		ThinkingEnabled: false,
		SystemPrompt:    advancedPrompt,
	},
}

// Resolve looks up a mode by id.
func Resolve(id string) (Mode, bool) {
	m, ok := registry[id]
	return m, ok
}

// All returns every registered mode.
func All() []Mode {
	out := make([]Mode, 0, len(registry))
	for _, id := range []string{"fast", "think", "advanced"} {
		out = append(out, registry[id])
	}
	return out
}
