package reasoning

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tmc/langchaingo/prompts"
)

const fallbackAnalysisPrompt = "Analyze this chat: %s. Memory: %s. Json output."

// templateLoader reads the analysis template once. A missing or broken template
// degrades to the inline fallback prompt.
type templateLoader struct {
	path string

	once     sync.Once
	template *prompts.PromptTemplate
}

func newTemplateLoader(path string) *templateLoader {
	return &templateLoader{path: path}
}

func (l *templateLoader) load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		slog.Error("Failed to load prompt template, using fallback",
			"path", l.path,
			"error", err,
		)
		return
	}

	l.template = &prompts.PromptTemplate{
		Template:       string(data),
		TemplateFormat: prompts.TemplateFormatJinja2,
		InputVariables: []string{"memory_text", "message_text", "user_name", "sender"},
	}
}

func (l *templateLoader) render(messageText, memoryText, userName, sender string) string {
	l.once.Do(l.load)

	fallback := fmt.Sprintf(fallbackAnalysisPrompt, messageText, memoryText)
	if l.template == nil {
		return fallback
	}

	prompt, err := l.template.Format(map[string]any{
		"memory_text":  memoryText,
		"message_text": messageText,
		"user_name":    userName,
		"sender":       sender,
	})
	if err != nil {
		slog.Warn("Failed to render prompt template, using fallback", "error", err)
		return fallback
	}

	return prompt
}

const discussionsPrompt = `You are a helpful assistant summarizing the day's group chats.
Here are the raw discussion points, grouped by chat:

%s

Please provide a concise, bullet-point summary of the discussions.
- Group by Chat Name.
- Identify key topics and general sentiment.
- Ignore trivial chatter.
- Format neatly in Markdown.
- Start with "📢 **Daily Group Discussion Digest**"`

const contextBatchPrompt = `Read the following chat history.
Identify and extract any PERSISTENT facts, identities, roles, or preferences about the user ("Me" or "%[1]s").

Focus on:
- Work Context (What projects are they working on?)
- Technical Stack (What tools/languages do they use?)
- Role (What is their job?)
- Strong Preferences (e.g. "I hate calls")

Ignore:
- One-off tasks ("Buy milk")
- Temporary states ("I'm tired")

History:
%[2]s

Output JSON ONLY:
{
    "facts": ["fact 1", "fact 2"]
}`

const feedbackBatchPrompt = `Analyze the following REJECTED tasks and the user's comments explaining why.
Extract PERMANENT rules or preferences that I (the Agent) should follow to avoid these mistakes in the future.

Focus on:
- Scheduling constraints (e.g. "No meetings on Friday")
- Content filters (e.g. "Ignore crypto news")
- Priority adjustments (e.g. "Newsletters are always P4")

Ignore:
- One-off mistakes that don't imply a general rule.

Feedback History:
%s

Output JSON ONLY:
{
    "rules": ["rule 1", "rule 2"]
}`

const dedupPrompt = `You are a memory optimizer.
Review the following list of facts/memories about the user.

Goal: CONSOLIDATE and DEDUPLICATE.

Rules:
1. Merge identical or highly similar facts (e.g. "Works at TechCorp" + "TechCorp employee" -> "Works at TechCorp").
2. Resolve conflicts by keeping the most specific version (e.g. "Working on a project" vs "Working on Project X" -> "Working on Project X").
3. Group related concepts into single concise sentences if possible.
4. Maintain ALL unique information. Do not lose details.
5. Return a clean JSON list of strings.

Input Facts:
%s

Output JSON ONLY:
{
    "consolidated_facts": [ ... ]
}`

const sessionTurnPrompt = `You are Cortex, an AI assistant acting as a receptionist for %[1]s.
%[1]s is currently offline/unavailable.

GOAL:
Interact with the user to gather necessary details about their request so %[1]s can handle it efficiently later.

CONTEXT:
User Profile (What %[1]s does):
%[2]s

Conversation So Far:
%[3]s

INSTRUCTIONS:
1. Be polite, professional, and concise.
2. If the user asks a question you can answer based on Profile, answer it.
3. If the user wants to schedule something, ask for time/date.
4. If the user is reporting an issue, ask for details.
5. DO NOT promise specific actions ("%[1]s will do this"). Say "I will let %[1]s know".
6. If you have enough info, or the user says "thanks/bye", set status to FINISH.

OUTPUT JSON ONLY:
{
    "reply": "Your message to the user...",
    "status": "CONTINUE" or "FINISH"
}`

const sessionSummaryPrompt = `Analyze this finished conversation between a User and Cortex (AI Receptionist).

Conversation:
%[1]s

Create a concise TASK for %[2]s based on the outcome.

OUTPUT JSON ONLY:
{
    "summary": "Actionable task summary...",
    "priority": 1-4 (Int),
    "deadline": "YYYY-MM-DD" or null
}`
