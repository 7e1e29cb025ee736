// Package align runs the LM alignment check: given a push's file set and
// the workspace's declared feature work, an Anthropic model judges whether
// the push drifts from what the team said it is building. The analyzer is
// strictly best-effort: any failure degrades to a neutral no-drift verdict
// and never blocks the engine chain.
package align

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/repopulse/internal/engine"
	"github.com/repopulse/repopulse/internal/ratelimit"
	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/telemetry"
	"github.com/repopulse/repopulse/internal/types"
)

const (
	// DefaultModel balances latency and judgment quality for a yes/no
	// drift call.
	DefaultModel = "claude-haiku-4-5"

	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 1500 * time.Millisecond
	defaultMaxRetries = 1

	// Rate limit per workspace: bursts of pushes share one window.
	defaultRateMax    = 10
	defaultRateWindow = time.Minute

	maxResponseTokens = 256
	maxPromptFiles    = 50
)

// Config tunes the analyzer. Zero values take defaults.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	RateMax    int
	RateWindow time.Duration
}

// Analyzer calls the model and records ALIGNMENT_DRIFT blockers.
type Analyzer struct {
	store   storage.Storage
	client  anthropic.Client
	cfg     Config
	limiter *ratelimit.SlidingWindow

	tokensIn  metric.Int64Counter
	tokensOut metric.Int64Counter
}

// New creates an analyzer, or nil when no API key is configured (which
// disables alignment analysis entirely).
func New(store storage.Storage, cfg Config) *Analyzer {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RateMax <= 0 {
		cfg.RateMax = defaultRateMax
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The SDK retries internally by default; retry policy lives here
		// instead so the 15s deadline stays authoritative.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	a := &Analyzer{
		store:   store,
		client:  anthropic.NewClient(opts...),
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateMax, cfg.RateWindow),
	}
	meter := telemetry.Meter("")
	a.tokensIn, _ = meter.Int64Counter("repopulse.align.tokens_in")
	a.tokensOut, _ = meter.Int64Counter("repopulse.align.tokens_out")
	return a
}

// Analyze judges one push against the workspace's incomplete features and
// upserts an ALIGNMENT_DRIFT blocker (referenced by commit hash) on a
// drift verdict. Rate-limited per workspace; all failure modes fall back
// to no drift.
func (a *Analyzer) Analyze(ctx context.Context, job engine.Job) error {
	if len(job.ModifiedFiles) == 0 || job.CommitHash == "" {
		return nil
	}
	if !a.limiter.Allow(job.WorkspaceID) {
		log.Printf("align: workspace %s rate limited, skipping commit %s", job.WorkspaceID, job.CommitHash)
		return nil
	}

	var features []*types.Feature
	err := a.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		features, err = tx.ListIncompleteFeatures(ctx, job.WorkspaceID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load features: %w", err)
	}
	if len(features) == 0 {
		return nil
	}

	verdict, reason := a.judge(ctx, job, features)
	if !verdict {
		return nil
	}

	var changed bool
	err = a.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		changed, err = tx.UpsertAlignmentBlocker(ctx, job.WorkspaceID, job.CommitHash,
			types.SeverityMedium, reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("record drift blocker: %w", err)
	}
	if changed {
		log.Printf("align: drift on workspace %s commit %s: %s", job.WorkspaceID, job.CommitHash, reason)
	}
	return nil
}

// judge calls the model with a hard deadline and bounded retry. It returns
// (false, "") on every failure path.
func (a *Analyzer) judge(ctx context.Context, job engine.Job, features []*types.Feature) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	prompt := buildPrompt(job, features)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.RetryDelay

	var msg *anthropic.Message
	op := func() error {
		var err error
		msg, err = a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.cfg.Model),
			MaxTokens: maxResponseTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(a.cfg.MaxRetries)), ctx))
	if err != nil {
		log.Printf("align: model call failed, assuming no drift: %v", err)
		return false, ""
	}

	if a.tokensIn != nil {
		a.tokensIn.Add(ctx, msg.Usage.InputTokens)
	}
	if a.tokensOut != nil {
		a.tokensOut.Add(ctx, msg.Usage.OutputTokens)
	}

	return parseVerdict(messageText(msg))
}

// isRetryable matches transient upstream failures: rate limiting, server
// errors, and transport-level errors without a status.
func isRetryable(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func buildPrompt(job engine.Job, features []*types.Feature) string {
	var b strings.Builder
	b.WriteString("A team declared the following in-progress features:\n")
	for _, f := range features {
		fmt.Fprintf(&b, "- %s", f.Name)
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nA push to branch %q modified these files:\n", job.TriggerBranch)
	files := job.ModifiedFiles
	if len(files) > maxPromptFiles {
		files = files[:maxPromptFiles]
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nDoes this push clearly drift from all declared features? " +
		"Answer with exactly one line: either \"ALIGNED\" or \"DRIFT: <one-sentence reason>\". " +
		"When in doubt, answer ALIGNED.\n")
	return b.String()
}

func messageText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseVerdict accepts only an explicit DRIFT verdict; anything else is
// the neutral fallback.
func parseVerdict(text string) (bool, string) {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	rest, ok := strings.CutPrefix(line, "DRIFT")
	if !ok {
		return false, ""
	}
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), ":"))
	if reason == "" {
		reason = "push drifts from declared feature work"
	}
	return true, reason
}
