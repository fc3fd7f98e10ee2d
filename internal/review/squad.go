// Package review runs the adversarial post-execution review: an LLM critic
// that approves completed work or rejects it with a refactor blueprint, plus
// the rolling review log.
package review

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"cerebro/internal/domain"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "deepseek/deepseek-chat"
)

// ChatClient is the slice of the OpenAI client the squad needs.
// *openai.Client satisfies it.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds Squad construction parameters.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Squad reviews task output through an OpenAI-compatible endpoint.
type Squad struct {
	client ChatClient
	model  string
	logger *log.Logger
	lw     *LogWriter
	now    func() time.Time
}

// NewSquad builds a Squad talking to the configured endpoint. lw may be nil
// when no review log is wanted.
func NewSquad(cfg Config, lw *LogWriter) *Squad {
	cfg = cfg.withDefaults()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &Squad{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
		lw:     lw,
		now:    time.Now,
	}
}

// NewSquadWithClient builds a Squad over an existing client. Tests use it to
// avoid the network.
func NewSquadWithClient(client ChatClient, model string, logger *log.Logger, lw *LogWriter) *Squad {
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Squad{client: client, model: model, logger: logger, lw: lw, now: time.Now}
}

// Review judges the output of a task. A transport failure never propagates:
// it comes back as a rejection with an empty blueprint so the caller retries
// without correction instructions.
func (s *Squad) Review(ctx context.Context, taskID, description, output string, files []string) domain.ReviewVerdict {
	prompt := buildReviewPrompt(taskID, description, output, files)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: reviewerSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})

	var verdict domain.ReviewVerdict
	if err != nil {
		s.logger.Printf("review: %s transport failure: %v", taskID, err)
		verdict = domain.ReviewVerdict{
			Approved:  false,
			Rationale: fmt.Sprintf("review unavailable: %v", err),
		}
	} else if len(resp.Choices) == 0 {
		verdict = domain.ReviewVerdict{
			Approved:  false,
			Rationale: "review unavailable: empty completion",
		}
	} else {
		verdict = parseVerdict(resp.Choices[0].Message.Content)
	}

	s.appendLog(taskID, verdict)
	return verdict
}

const reviewerSystemPrompt = `You are Dike, an uncompromising senior code reviewer.
Judge the submitted work strictly against the task description.
Reply in exactly this format:
VERDICT: APPROVED or VERDICT: REJECTED
RATIONALE: <why, concise>
BLUEPRINT: <only when rejected: a rigid step-by-step refactor plan>`

func buildReviewPrompt(taskID, description, output string, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task %s\n\n", taskID)
	b.WriteString("### Description\n")
	b.WriteString(description)
	b.WriteString("\n\n### Files touched\n")
	if len(files) == 0 {
		b.WriteString("(none reported)\n")
	} else {
		for _, f := range files {
			b.WriteString("- " + f + "\n")
		}
	}
	b.WriteString("\n### Executor output\n")
	b.WriteString(output)
	return b.String()
}

// parseVerdict reads the VERDICT/RATIONALE/BLUEPRINT sections. Anything that
// does not open with an APPROVED verdict is a rejection; a rejection without
// a blueprint gets one synthesized from the rationale so the next attempt
// still receives concrete correction steps.
func parseVerdict(content string) domain.ReviewVerdict {
	var v domain.ReviewVerdict
	var rationale, blueprint []string
	section := ""

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "VERDICT:"):
			val := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(trimmed, "VERDICT:")))
			v.Approved = val == "APPROVED"
			section = ""
		case strings.HasPrefix(trimmed, "RATIONALE:"):
			section = "rationale"
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "RATIONALE:")); rest != "" {
				rationale = append(rationale, rest)
			}
		case strings.HasPrefix(trimmed, "BLUEPRINT:"):
			section = "blueprint"
			if rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "BLUEPRINT:")); rest != "" {
				blueprint = append(blueprint, rest)
			}
		default:
			switch section {
			case "rationale":
				rationale = append(rationale, line)
			case "blueprint":
				blueprint = append(blueprint, line)
			}
		}
	}

	v.Rationale = strings.TrimSpace(strings.Join(rationale, "\n"))
	v.RefactorBlueprint = strings.TrimSpace(strings.Join(blueprint, "\n"))

	if v.Rationale == "" {
		v.Rationale = strings.TrimSpace(content)
	}
	if !v.Approved && v.RefactorBlueprint == "" && v.Rationale != "" {
		v.RefactorBlueprint = "Address every issue below, changing nothing else:\n" + v.Rationale
	}
	return v
}

func (s *Squad) appendLog(taskID string, v domain.ReviewVerdict) {
	if s.lw == nil {
		return
	}
	status := "REJECTED"
	if v.Approved {
		status = "APPROVED"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s %s %s ===\n", s.now().UTC().Format(time.RFC3339), taskID, status)
	b.WriteString(v.Rationale)
	b.WriteString("\n")
	if v.RefactorBlueprint != "" {
		b.WriteString("--- blueprint ---\n")
		b.WriteString(v.RefactorBlueprint)
		b.WriteString("\n")
	}
	s.lw.Append(b.String())
}
