package broker

import "github.com/wrylyt/wrylyt/internal/router"

// Tool is one credit-gated capability. Cost is fixed per run and charged
// only when the run produces output.
type Tool struct {
	Name   string
	Cost   int64
	Kind   router.Kind
	System string // system prompt for the completion call
	Audio  bool   // takes an audio upload instead of text
	Thread bool   // carries a running message thread
}

var tools = map[string]*Tool{
	"chat_fix": {
		Name: "chat_fix",
		Cost: 1,
		Kind: router.KindRewrite,
		System: "You clean up informal messages. Fix grammar, spelling and " +
			"punctuation while keeping the sender's tone and meaning. " +
			"Respond with the corrected text only.",
	},
	"ai_tutor": {
		Name: "ai_tutor",
		Cost: 2,
		Kind: router.KindGeneration,
		System: "You are a patient tutor. Explain concepts step by step in " +
			"plain language, check understanding, and build on the " +
			"conversation so far.",
		Thread: true,
	},
	"long_summary": {
		Name: "long_summary",
		Cost: 2,
		Kind: router.KindRewrite,
		System: "You summarize long documents. Produce a faithful, " +
			"well-structured summary that preserves the key points and " +
			"their order. Do not add opinions.",
	},
	"voice_note": {
		Name: "voice_note",
		Cost: 3,
		Kind: router.KindRewrite,
		System: "You turn voice note transcripts into tidy notes. Keep every " +
			"action item and name mentioned. Respond with the cleaned-up " +
			"note only.",
		Audio: true,
	},
	"resume_generator": {
		Name: "resume_generator",
		Cost: 5,
		Kind: router.KindGeneration,
		System: "You write professional resumes. From the candidate details " +
			"provided, produce a complete, well-organized resume in plain " +
			"text with clear section headings.",
	},
}

// Lookup returns the tool by name, or nil.
func Lookup(name string) *Tool {
	return tools[name]
}

// Catalog returns all tools, for the listing endpoint.
func Catalog() []*Tool {
	out := make([]*Tool, 0, len(tools))
	for _, name := range []string{"chat_fix", "ai_tutor", "long_summary", "voice_note", "resume_generator"} {
		out = append(out, tools[name])
	}
	return out
}
