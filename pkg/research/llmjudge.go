package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Character budgets applied before any text is sent to the model
const (
	ExtractCharBudget    = 15000
	VerifyCharBudget     = 10000
	SynthesizeCharBudget = 30000

	// defaultScore is used when a verification response carries no score
	defaultScore = 0.5
)

// LLMJudge implements Judge, Planner and Advisor on top of a langchaingo model
type LLMJudge struct {
	LLM        llms.Model
	Logger     *slog.Logger
	MaxRetries int
	Backoff    time.Duration
}

// NewLLMJudge creates a judge backed by llm
func NewLLMJudge(llm llms.Model) *LLMJudge {
	return &LLMJudge{
		LLM:        llm,
		Logger:     slog.Default(),
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

var (
	_ Judge   = (*LLMJudge)(nil)
	_ Planner = (*LLMJudge)(nil)
	_ Advisor = (*LLMJudge)(nil)
)

func (j *LLMJudge) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// generate sends one prompt and returns the first choice
func (j *LLMJudge) generate(ctx context.Context, prompts []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	resp, err := j.LLM.GenerateContent(ctx, prompts, opts...)
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// generateWithRetry attempts to generate content and validates it using the provided function.
// It retries up to MaxRetries times if the LLM fails or the validator returns an error.
func (j *LLMJudge) generateWithRetry(ctx context.Context, prompts []llms.MessageContent, validator func(string) error) (string, error) {
	maxRetries := j.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			j.logger().Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(j.Backoff * time.Duration(i)): // Linear backoff
			}
		}

		content, err := j.generate(ctx, prompts, llms.WithJSONMode())
		if err != nil {
			lastErr = err
			continue
		}
		if err := validator(content); err != nil {
			lastErr = fmt.Errorf("validation failed: %w", err)
			continue
		}
		return content, nil
	}

	return "", fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// --- Planner ---

const plannerPrompt = `You are a research planner.
Decompose the research topic into %d specific, independently searchable sub-questions.
Do not repeat any of the existing sub-questions.`

func subqueriesSchema(n int) string {
	return fmt.Sprintf(`Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure as defined in the schema. Make sure to answer in valid json and include all necessary properties:{
  "type": "object",
  "properties": {
    "queries": {
      "type": "array",
      "items": {
        "type": "string"
      },
      "description": "List of %d specific search queries"
    }
  },
  "required": ["queries"]
}`, n)
}

// GenerateSubqueries asks the model for n sub-queries in JSON mode
func (j *LLMJudge) GenerateSubqueries(ctx context.Context, query string, existing []string, n int) ([]string, error) {
	input := fmt.Sprintf("Topic: %s\nExisting sub-questions:\n- %s", query, strings.Join(existing, "\n- "))

	type queryResponse struct {
		Queries []string `json:"queries"`
	}
	var resp queryResponse

	_, err := j.generateWithRetry(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(plannerPrompt, n)+"\n\n# Response Format: \n\n"+subqueriesSchema(n)),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}, func(content string) error {
		resp = queryResponse{}
		if err := json.Unmarshal([]byte(stripCodeFence(content)), &resp); err != nil {
			return fmt.Errorf("json parse error: %w (content: %s)", err, truncateRunes(content, 200))
		}
		if len(resp.Queries) == 0 {
			return errors.New("empty queries list")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Queries, nil
}

// --- Advisor ---

const advisorPrompt = `You are the Research Director responsible for coordinating a research project.

%s

Please determine the next step for the research process. Your recommendation should be ONE of:
- "generate_subqueries": Generate more focused sub-queries
- "search": Perform more searches
- "collect": Collect more data from search results
- "verify": Verify more of the collected data
- "summarize": Create a summary of findings
- "generate_report": Generate the final research report
- "complete": Finish the research

Provide only the action name and a brief explanation.`

// Advise returns the model's freeform recommendation
func (j *LLMJudge) Advise(ctx context.Context, stateSummary string) (string, error) {
	return j.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(advisorPrompt, stateSummary)),
	})
}

// --- Judge ---

const extractionPrompt = `You are a data extraction expert. Given the content from a web page, extract the most relevant information for research on:

%s

Web page content:
%s

Extract only the most relevant information related to the research topic.
Format the extracted information as clear, concise paragraphs. Ignore advertisements, navigation elements, and unrelated content.`

// ExtractRelevantContent condenses raw page text to what matters for query
func (j *LLMJudge) ExtractRelevantContent(ctx context.Context, query, raw string) (string, error) {
	raw = truncateRunes(raw, ExtractCharBudget)
	out, err := j.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(extractionPrompt, query, raw)),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

const verificationPrompt = `You are a fact-checking expert tasked with verifying information for research on:

Research topic: %s

Information to verify:
%s

Source:
Title: %s
URL: %s
Date: %s

Evaluate this information based on:
1. Credibility of the source
2. Consistency with known facts
3. Presence of citations or evidence
4. Potential bias or conflicts of interest
5. Recency of the information

First, provide a reliability score from 0.0 to 1.0, where:
- 0.0: Completely unreliable
- 0.5: Moderately reliable
- 1.0: Highly reliable

Then, summarize the verified content, noting any potential issues or inconsistencies.

Format your response as:
Reliability Score: [score]

Verified Content:
[content]

Verification Notes:
[notes]`

// ScoreAndVerify asks the model to rate item. On failure it returns a zero
// score together with the error.
func (j *LLMJudge) ScoreAndVerify(ctx context.Context, query string, item CollectedItem) (Verification, error) {
	date := item.PublishedDate
	if date == "" {
		date = "Unknown"
	}
	prompt := fmt.Sprintf(verificationPrompt, query, truncateRunes(item.Content, VerifyCharBudget), item.Title, item.URL, date)

	out, err := j.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return Verification{Score: 0, Notes: "Verification failed: " + err.Error()}, err
	}
	return ParseVerification(out), nil
}

var (
	scorePattern   = regexp.MustCompile(`(?i)Reliability Score:\s*\**\s*([01](?:\.\d+)?|\.\d+)`)
	contentPattern = regexp.MustCompile(`(?is)Verified Content:\s*(.*?)\s*Verification Notes:`)
	notesPattern   = regexp.MustCompile(`(?is)Verification Notes:\s*(.*)`)
)

// ParseVerification reads the score, content and notes blocks of a
// verification response. A missing score defaults to 0.5.
func ParseVerification(text string) Verification {
	text = strings.TrimSpace(text)
	v := Verification{Score: defaultScore}

	if m := scorePattern.FindStringSubmatch(text); len(m) > 1 {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.Score = clampScore(score)
		}
	}
	if m := contentPattern.FindStringSubmatch(text); len(m) > 1 {
		v.VerifiedContent = strings.TrimSpace(m[1])
	}
	if m := notesPattern.FindStringSubmatch(text); len(m) > 1 {
		v.Notes = strings.TrimSpace(m[1])
	}
	return v
}

const summaryPrompt = `You are a research summarizer tasked with synthesizing information on:

%s

Based on the verified data below, create a comprehensive but concise summary that:
1. Addresses the main research question
2. Highlights key findings and insights
3. Notes areas of consensus and disagreement
4. Identifies any knowledge gaps

Verified data:
%s

Your summary should be well-structured, balanced, and approximately 500-700 words.
Focus on the most reliable and relevant information.`

const reportPrompt = `You are a research report generator tasked with creating a comprehensive report on:

%s

Research summary:
%s

Based on this summary and the verified data, create a detailed research report that includes:

1. Executive Summary: Brief overview of findings
2. Introduction: Background and context
3. Methodology: How the research was conducted
4. Findings: Detailed results organized by themes
5. Analysis: Interpretation of findings
6. Conclusions: Main takeaways
7. References: Sources of information

Here are the verified sources to include in your report:
%s

Format your report in Markdown with clear headings and structure.`

// Synthesize produces the summary or the report text
func (j *LLMJudge) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	var prompt string
	switch req.Kind {
	case SynthesisSummary:
		prompt = fmt.Sprintf(summaryPrompt, req.Query, truncateRunes(FormatVerifiedData(req.Items), SynthesizeCharBudget))
	case SynthesisReport:
		prompt = fmt.Sprintf(reportPrompt, req.Query, truncateRunes(req.Summary, SynthesizeCharBudget/2),
			truncateRunes(FormatSources(req.Items), SynthesizeCharBudget/2))
	default:
		return "", fmt.Errorf("unknown synthesis kind %q", req.Kind)
	}

	out, err := j.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FormatVerifiedData renders verified items as summarization input
func FormatVerifiedData(items []VerifiedItem) string {
	var sb strings.Builder
	for i, v := range items {
		fmt.Fprintf(&sb, "\n---\nSource %d: %s (Reliability: %.2f)\n", i+1, v.Title, v.ReliabilityScore)
		fmt.Fprintf(&sb, "URL: %s\n", v.SourceURL)
		fmt.Fprintf(&sb, "Content: %s\n", v.VerifiedContent)
	}
	return sb.String()
}

// FormatSources renders the reference list used by the report prompt
func FormatSources(items []VerifiedItem) string {
	var sb strings.Builder
	for i, v := range items {
		date := v.PublishedDate
		if date == "" {
			date = "Unknown"
		}
		fmt.Fprintf(&sb, "\n%d. %s\n   URL: %s\n   Date: %s\n   Reliability: %.2f", i+1, v.Title, v.SourceURL, date, v.ReliabilityScore)
	}
	return sb.String()
}

// truncateRunes cuts s to at most n runes without splitting a character
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
