// Package maestro drives the Maestro coding CLI: it builds the command line
// for a model, runs it inside the target workspace, and parses the transcript
// into an execution result. Model chains provide within-call fallback when a
// model is unavailable.
package maestro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cerebro/internal/domain"
)

// Error markers surfaced in ExecutionResult.Error.
const (
	ErrMarkerTimeout        = "timeout"
	ErrMarkerChainExhausted = "chain_exhausted"
)

// Default model chains. Planning models favour reasoning quality, execution
// models favour edit throughput.
var (
	DefaultPlanningChain  = []string{"deepseek/deepseek-chat", "deepseek/deepseek-r1:free"}
	DefaultExecutionChain = []string{"arcee-ai/trinity-large-preview:free", "qwen/qwen-2.5-coder-32b-instruct:free"}
)

const defaultExecTimeout = 8 * time.Minute

// Transcript markers emitted by the CLI. The file patterns tolerate trailing
// punctuation, which the parser strips.
var (
	createdRE  = regexp.MustCompile(`(?:Created|Added)\s+([^\s\r\n]+)`)
	modifiedRE = regexp.MustCompile(`(?:Applied\s+edit\s+to|Modified)\s+([^\s\r\n]+)`)
	modelRE    = regexp.MustCompile(`Model:\s+([^\s\r\n]+)`)
	tokensRE   = regexp.MustCompile(`Tokens:\s+([0-9][0-9,]*)`)
)

// Config holds Runner construction parameters.
type Config struct {
	Binary           string
	Workdir          string
	InstructionsFile string
	Timeout          time.Duration
	PlanningChain    []string
	ExecutionChain   []string
	Logger           *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "maestro"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultExecTimeout
	}
	if len(c.PlanningChain) == 0 {
		c.PlanningChain = DefaultPlanningChain
	}
	if len(c.ExecutionChain) == 0 {
		c.ExecutionChain = DefaultExecutionChain
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Runner executes prompts through the Maestro CLI.
type Runner struct {
	cfg Config

	// run starts the CLI for one model and returns its combined transcript.
	// Tests replace it to avoid the real binary.
	run func(ctx context.Context, model string, req domain.ExecutionRequest) ([]byte, error)
}

// NewRunner builds a Runner from cfg.
func NewRunner(cfg Config) *Runner {
	r := &Runner{cfg: cfg.withDefaults()}
	r.run = r.runCLI
	return r
}

// Execute runs the request through the model chain for its kind. Each model
// gets the full per-call timeout; a model whose transcript shows no applied
// work hands over to the next one. Domain failures (timeout, exhausted chain)
// are reported in the result, not as a Go error.
func (r *Runner) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.ExecutionResult{}, errors.New("empty prompt")
	}

	chain := r.cfg.ExecutionChain
	if req.Chain == domain.ChainPlanning {
		chain = r.cfg.PlanningChain
	}

	start := time.Now()
	lastOutput := ""

	for _, model := range chain {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		out, err := r.run(callCtx, model, req)
		timedOut := callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		transcript := string(out)
		lastOutput = transcript

		if timedOut {
			r.cfg.Logger.Printf("maestro: model %s timed out after %s", model, r.cfg.Timeout)
			res := r.parseTranscript(transcript, model)
			res.Success = false
			res.Error = ErrMarkerTimeout
			res.Duration = time.Since(start)
			return res, nil
		}
		if ctx.Err() != nil {
			return domain.ExecutionResult{}, ctx.Err()
		}

		res := r.parseTranscript(transcript, model)
		res.Duration = time.Since(start)

		if err != nil {
			// A linter or commit hook can fail the process after edits were
			// applied. The parsed edits stop chain fallback, but the run is
			// still a failure and the file lists are provisional.
			if len(res.FilesCreated) == 0 && len(res.FilesModified) == 0 {
				r.cfg.Logger.Printf("maestro: model %s failed: %v", model, err)
				continue
			}
			r.cfg.Logger.Printf("maestro: model %s exited non-zero with applied edits", model)
			res.Success = false
			res.Error = err.Error()
			return res, nil
		}

		if len(res.FilesCreated) == 0 && len(res.FilesModified) == 0 && len(req.Files) > 0 {
			res.FilesModified = r.existingScopedFiles(req.Files)
		}
		res.Success = true
		return res, nil
	}

	return domain.ExecutionResult{
		Success:  false,
		Output:   lastOutput,
		Error:    ErrMarkerChainExhausted,
		Duration: time.Since(start),
	}, nil
}

func (r *Runner) runCLI(ctx context.Context, model string, req domain.ExecutionRequest) ([]byte, error) {
	args := []string{
		"--model", "openrouter/" + model,
		"--editor-model", "openrouter/" + model,
	}
	if r.cfg.InstructionsFile != "" {
		args = append(args, "--read", r.cfg.InstructionsFile)
	}
	args = append(args,
		"--auto-commits",
		"--commit-prompt", "AI: [Maestro]",
		"--yes",
		"--no-pretty",
		"--no-stream",
		"--message", req.Prompt,
	)
	args = append(args, req.Files...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = r.cfg.Workdir
	return cmd.CombinedOutput()
}

func (r *Runner) parseTranscript(transcript, model string) domain.ExecutionResult {
	res := domain.ExecutionResult{
		Output:    transcript,
		ModelUsed: model,
	}

	for _, m := range createdRE.FindAllStringSubmatch(transcript, -1) {
		if f := strings.TrimRight(m[1], ".,"); f != "" {
			res.FilesCreated = append(res.FilesCreated, f)
		}
	}
	for _, m := range modifiedRE.FindAllStringSubmatch(transcript, -1) {
		if f := strings.TrimRight(m[1], ".,"); f != "" {
			res.FilesModified = append(res.FilesModified, f)
		}
	}

	if m := modelRE.FindStringSubmatch(transcript); m != nil {
		res.ModelUsed = m[1]
	}
	if m := tokensRE.FindStringSubmatch(transcript); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			res.TokensUsed = n
		}
	}
	return res
}

// existingScopedFiles returns the request files that exist under the workdir.
// When the CLI reports no edits for a scoped run, these are the best available
// account of what it touched.
func (r *Runner) existingScopedFiles(files []string) []string {
	var out []string
	for _, f := range files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.cfg.Workdir, f)
		}
		if fileExists(p) {
			out = append(out, f)
		}
	}
	return out
}

// CheckBinary reports whether the CLI responds to --version within a short
// deadline. Used at startup for a fail-fast diagnostic.
func (r *Runner) CheckBinary(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.cfg.Binary, "--version")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("maestro binary check: %w; output: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
