// Package compression condenses a historic commit range into one or
// more summary commits, preserving PINNED content verbatim and
// validating IMPORTANT-commit retention criteria before anything is
// written.
package compression

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tract-dev/trace/internal/annotation"
	"github.com/tract-dev/trace/internal/commitengine"
	"github.com/tract-dev/trace/internal/commitgraph"
	"github.com/tract-dev/trace/internal/content"
	"github.com/tract-dev/trace/internal/llmclient"
	"github.com/tract-dev/trace/internal/retry"
	"github.com/tract-dev/trace/internal/storage"
	"github.com/tract-dev/trace/internal/tracerr"
)

// Config bundles everything a Compressor needs across calls: the write
// engine (for committing the summary), the LLM collaborator, and tuning
// knobs. One Config is shared by every tract using the same client.
type Config struct {
	Engine      *commitengine.Engine
	Client      llmclient.Client
	Model       string
	Temperature float64
	MaxTokens   int
	// BatchCount bounds a group when TargetTokens is not supplied by the
	// caller.
	BatchCount int
	MaxRetries int
	// Concurrency > 1 dispatches group summarization calls concurrently.
	// Each worker operates on its own pre-captured message list; storage
	// reads all happen up front on the calling goroutine, so the single
	// storage session is never shared across workers.
	Concurrency int
}

func (c *Config) batchCount() int {
	if c.BatchCount > 0 {
		return c.BatchCount
	}
	return 10
}

func (c *Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// Input bundles Compress's parameters.
type Input struct {
	TractID      string
	FromHash     string
	ToHash       string
	TargetTokens int
	Instructions string
	AutoCommit   bool
	// ExpectedHead, when set, guards PendingCompression.Approve against a
	// HEAD that moved between plan and approve.
	ExpectedHead string
}

// GroupSummary reports one batch's outcome, for observability.
type GroupSummary struct {
	CommitHashes []string
	SummaryText  string
	Attempts     int
}

// Result is Compress's return value. Exactly one of CommitHash or
// Pending is set, depending on Input.AutoCommit.
type Result struct {
	CommitHash string
	Pending    *PendingCompression
	Groups     []GroupSummary
}

// PendingCompression is the in-memory handle returned when
// Input.AutoCommit is false. It holds no storage state itself; a
// process crash simply discards it.
type PendingCompression struct {
	tractID      string
	fromHash     string
	toHash       string
	subsumed     []string
	expectedHead string

	summaryText string
	groups      []GroupSummary

	engine *commitengine.Engine
}

// EditSummary overwrites the pending summary text before approval, e.g.
// after a collaborative-mode human review pass.
func (p *PendingCompression) EditSummary(newText string) {
	p.summaryText = newText
}

// SummaryText returns the current (possibly edited) summary text.
func (p *PendingCompression) SummaryText() string { return p.summaryText }

// Approve commits the pending summary as a new APPEND commit. If
// ExpectedHead was set on the originating Input and HEAD has
// since advanced, Approve returns a KindCompression error
// (tracerr.Compression("HEAD moved")) instead of writing.
func (p *PendingCompression) Approve(ctx context.Context, sess storage.Session) (string, error) {
	if p.expectedHead != "" {
		head, ok, err := sess.Refs().GetHead(ctx, p.tractID)
		if err != nil {
			return "", tracerr.Storage("read head for compression approve", err)
		}
		if !ok || head != p.expectedHead {
			return "", tracerr.Compression("HEAD moved")
		}
	}
	return commitSummary(ctx, sess, p.engine, p.tractID, p.fromHash, p.toHash, p.subsumed, p.summaryText)
}

// Compress runs the full range-to-summary pipeline.
func Compress(ctx context.Context, sess storage.Session, cfg *Config, in Input) (*Result, error) {
	commits, err := resolveRange(ctx, sess, in.FromHash, in.ToHash)
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(commits))
	for i, cm := range commits {
		targets[i] = cm.CommitHash
	}
	latest, err := sess.Annotations().BatchGetLatest(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("compression: batch annotation lookup: %w", err)
	}

	var pinned, compressible []*commitgraph.Commit
	for _, cm := range commits {
		pr := priorityOf(cfg.Engine, cm, latest)
		switch pr {
		case content.PrioritySkip:
			continue
		case content.PriorityPinned:
			pinned = append(pinned, cm)
		default:
			compressible = append(compressible, cm)
		}
	}

	groups := groupByTokens(compressible, in.TargetTokens, cfg.batchCount())

	// All storage reads happen up front on this goroutine; each group's
	// work item is self-contained so summarization can fan out without
	// sharing the session across workers.
	work := make([]groupWork, len(groups))
	for i, group := range groups {
		entries, err := groupEntries(ctx, sess, cfg.Engine, group)
		if err != nil {
			return nil, err
		}
		instructions, matchers := retentionFor(ctx, sess, group, latest)
		work[i] = groupWork{group: group, entries: entries, retentionInstructions: instructions, matchers: matchers}
	}

	result := &Result{}
	var subsumed []string
	var finalText strings.Builder

	if cfg.Concurrency > 1 && len(work) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Concurrency)
		for i := range work {
			w := &work[i]
			g.Go(func() error {
				text, attempts, err := summarizeGroup(gctx, cfg, w.entries, in.Instructions, w.retentionInstructions, w.matchers)
				if err != nil {
					return err
				}
				w.text, w.attempts = text, attempts
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range work {
			w := &work[i]
			text, attempts, err := summarizeGroup(ctx, cfg, w.entries, in.Instructions, w.retentionInstructions, w.matchers)
			if err != nil {
				return nil, err
			}
			w.text, w.attempts = text, attempts
		}
	}

	for _, w := range work {
		result.Groups = append(result.Groups, GroupSummary{
			CommitHashes: hashesOf(w.group),
			SummaryText:  w.text,
			Attempts:     w.attempts,
		})
		if finalText.Len() > 0 {
			finalText.WriteString("\n\n")
		}
		finalText.WriteString(w.text)
		subsumed = append(subsumed, hashesOf(w.group)...)
	}

	for _, cm := range pinned {
		text, err := pinnedText(ctx, sess, cfg.Engine, cm)
		if err != nil {
			return nil, err
		}
		if finalText.Len() > 0 {
			finalText.WriteString("\n\n")
		}
		finalText.WriteString(text)
	}

	summaryText := finalText.String()

	if !in.AutoCommit {
		result.Pending = &PendingCompression{
			tractID:      in.TractID,
			fromHash:     in.FromHash,
			toHash:       in.ToHash,
			subsumed:     subsumed,
			expectedHead: in.ExpectedHead,
			summaryText:  summaryText,
			groups:       result.Groups,
			engine:       cfg.Engine,
		}
		return result, nil
	}

	hash, err := commitSummary(ctx, sess, cfg.Engine, in.TractID, in.FromHash, in.ToHash, subsumed, summaryText)
	if err != nil {
		return nil, err
	}
	result.CommitHash = hash
	return result, nil
}

func hashesOf(commits []*commitgraph.Commit) []string {
	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = c.CommitHash
	}
	return out
}

// resolveRange walks the primary parent chain from toHash back to
// fromHash inclusive, root-first, verifying both ends are reachable on
// the current branch.
func resolveRange(ctx context.Context, sess storage.Session, fromHash, toHash string) ([]*commitgraph.Commit, error) {
	ancestors, err := sess.Commits().GetAncestors(ctx, toHash, 0) // head-first
	if err != nil {
		return nil, tracerr.Storage("resolve compression range", err)
	}
	startIdx := -1
	for i, cm := range ancestors {
		if cm.CommitHash == fromHash {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, fmt.Errorf("compression: from_hash %q is not an ancestor of to_hash %q", fromHash, toHash)
	}
	span := ancestors[:startIdx+1] // head(toHash)-first through fromHash
	out := make([]*commitgraph.Commit, len(span))
	for i, cm := range span {
		out[len(span)-1-i] = cm // reverse to root-first (chronological)
	}
	return out, nil
}

func priorityOf(engine *commitengine.Engine, cm *commitgraph.Commit, latest map[string]annotation.Annotation) content.Priority {
	if a, ok := latest[cm.CommitHash]; ok {
		return a.Priority
	}
	return content.HintsFor(engine.Registry, cm.ContentType).DefaultPriority
}

// groupByTokens partitions compressible commits into chronologically
// ordered batches bounded by targetTokens (when > 0) or by a fixed
// count.
func groupByTokens(commits []*commitgraph.Commit, targetTokens, batchCount int) [][]*commitgraph.Commit {
	if len(commits) == 0 {
		return nil
	}
	var groups [][]*commitgraph.Commit
	var cur []*commitgraph.Commit
	curTokens := 0
	for _, cm := range commits {
		if targetTokens > 0 {
			if len(cur) > 0 && curTokens+cm.TokenCount > targetTokens {
				groups = append(groups, cur)
				cur = nil
				curTokens = 0
			}
		} else if len(cur) >= batchCount {
			groups = append(groups, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, cm)
		curTokens += cm.TokenCount
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// retentionMatcher validates a single IMPORTANT commit's retention
// pattern against a candidate summary.
type retentionMatcher struct {
	sourceHash string
	pattern    string
	mode       annotation.MatchMode
	compiled   *regexp.Regexp
}

func (m retentionMatcher) matches(text string) bool {
	if m.mode == annotation.MatchRegex {
		if m.compiled == nil {
			return false
		}
		return m.compiled.MatchString(text)
	}
	return strings.Contains(text, m.pattern)
}

// retentionFor gathers retention instructions and match-pattern
// validators from a group's IMPORTANT commits.
func retentionFor(ctx context.Context, sess storage.Session, group []*commitgraph.Commit, latest map[string]annotation.Annotation) ([]string, []retentionMatcher) {
	var instructions []string
	var matchers []retentionMatcher
	for _, cm := range group {
		a, ok := latest[cm.CommitHash]
		if !ok || a.Priority != content.PriorityImportant || a.Retention == nil {
			continue
		}
		if a.Retention.Instructions != "" {
			instructions = append(instructions, a.Retention.Instructions)
		}
		for _, p := range a.Retention.MatchPatterns {
			rm := retentionMatcher{sourceHash: cm.CommitHash, pattern: p, mode: a.Retention.MatchMode}
			if rm.mode == annotation.MatchRegex {
				rm.compiled, _ = regexp.Compile(p)
			}
			matchers = append(matchers, rm)
		}
	}
	return instructions, matchers
}

var promptTmpl = template.Must(template.New("compression").Parse(compressionPromptTemplate))

const compressionPromptTemplate = `You are condensing a range of conversation context for long-term storage. Your goal is to COMPRESS the content: the output MUST be significantly shorter than the input while preserving the decisions and outcomes that matter.

{{if .Instructions}}**Instructions:** {{.Instructions}}
{{end}}
{{if .RetentionInstructions}}**Must preserve:**
{{range .RetentionInstructions}}- {{.}}
{{end}}
{{end}}
{{if .Diagnosis}}**Previous attempt was rejected:** {{.Diagnosis}}
Revise accordingly and try again.
{{end}}
**Content to summarize:**
{{range .Entries}}[{{.Role}}] {{.Text}}
{{end}}

Provide a concise summary preserving the key technical decisions and outcomes.`

type promptData struct {
	Instructions          string
	RetentionInstructions []string
	Diagnosis             string
	Entries               []promptEntry
}

type promptEntry struct {
	Role string
	Text string
}

func renderPrompt(entries []promptEntry, instructions string, retentionInstructions []string, diagnosis string) (string, error) {
	var sb strings.Builder
	if err := promptTmpl.Execute(&sb, promptData{
		Instructions:          instructions,
		RetentionInstructions: retentionInstructions,
		Diagnosis:             diagnosis,
		Entries:               entries,
	}); err != nil {
		return "", fmt.Errorf("compression: render prompt: %w", err)
	}
	return sb.String(), nil
}

func groupEntries(ctx context.Context, sess storage.Session, engine *commitengine.Engine, group []*commitgraph.Commit) ([]promptEntry, error) {
	entries := make([]promptEntry, 0, len(group))
	for _, cm := range group {
		text, err := loadText(ctx, sess, engine, cm)
		if err != nil {
			return nil, err
		}
		role := content.HintsFor(engine.Registry, cm.ContentType).DefaultRole
		if role == "" {
			role = "assistant"
		}
		entries = append(entries, promptEntry{Role: role, Text: text})
	}
	return entries, nil
}

func loadText(ctx context.Context, sess storage.Session, engine *commitengine.Engine, cm *commitgraph.Commit) (string, error) {
	b, err := sess.Blobs().Get(ctx, cm.ContentHash)
	if err != nil {
		return "", tracerr.Storage("load blob for compression", err)
	}
	if b == nil {
		return "", nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b.Payload, &raw); err != nil {
		return "", fmt.Errorf("compression: decode payload: %w", err)
	}
	parsed, err := engine.Registry.Validate(raw)
	if err != nil {
		return "", nil
	}
	return content.ExtractText(parsed), nil
}

// groupWork is one batch's pre-captured summarization input and, after
// the LLM pass, its output.
type groupWork struct {
	group                 []*commitgraph.Commit
	entries               []promptEntry
	retentionInstructions []string
	matchers              []retentionMatcher

	text     string
	attempts int
}

// summarizeGroup drives one batch through the LLM collaborator, retrying
// via internal/retry.WithSteering when a retention match pattern is not
// satisfied. It performs no storage reads, so callers may run it on a
// worker goroutine.
func summarizeGroup(ctx context.Context, cfg *Config, entries []promptEntry, instructions string, retentionInstructions []string, matchers []retentionMatcher) (string, int, error) {
	diagnosis := ""
	res, err := retry.WithSteering(ctx, retry.Options[string]{
		MaxRetries: cfg.maxRetries(),
		Backoff:    backoff.NewExponentialBackOff(),
		Attempt: func(ctx context.Context) (string, error) {
			prompt, err := renderPrompt(entries, instructions, retentionInstructions, diagnosis)
			if err != nil {
				return "", err
			}
			resp, err := cfg.Client.Chat(ctx, []llmclient.Message{{Role: "user", Content: prompt}}, llmclient.ChatOptions{
				Model:       cfg.Model,
				Temperature: cfg.Temperature,
				MaxTokens:   cfg.MaxTokens,
			})
			if err != nil {
				return "", err
			}
			return resp.Text, nil
		},
		Validate: func(ctx context.Context, text string) (retry.Validation, error) {
			for _, m := range matchers {
				if !m.matches(text) {
					return retry.Validation{OK: false, Diagnosis: fmt.Sprintf("summary is missing required content: %q", m.pattern)}, nil
				}
			}
			return retry.Validation{OK: true}, nil
		},
		Steer: func(ctx context.Context, d string) error {
			diagnosis = d
			return nil
		},
	})
	if err != nil {
		return "", 0, err
	}
	return res.Value, res.Attempts, nil
}

// pinnedText renders a PINNED commit verbatim into the summary's output
// region.
func pinnedText(ctx context.Context, sess storage.Session, engine *commitengine.Engine, cm *commitgraph.Commit) (string, error) {
	return loadText(ctx, sess, engine, cm)
}

// commitSummary writes the final summary content as a new APPEND commit
// whose metadata records the subsumed range, then SKIP-annotates each
// subsumed commit so the summary stands in for them
// at compile time. The originals stay in history and the annotations are
// append-only, so the substitution is fully reversible.
func commitSummary(ctx context.Context, sess storage.Session, engine *commitengine.Engine, tractID, fromHash, toHash string, subsumed []string, summaryText string) (string, error) {
	metadata, err := buildMetadata(fromHash, toHash, subsumed)
	if err != nil {
		return "", err
	}
	info, err := engine.CreateCommit(ctx, sess, commitengine.CreateCommitInput{
		TractID:  tractID,
		Content:  content.Summary{Text: summaryText},
		Message:  fmt.Sprintf("compress %s..%s", fromHash, toHash),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("compression: commit summary: %w", err)
	}
	now := time.Now().UTC()
	if engine.Clock != nil {
		now = engine.Clock.Now()
	}
	for _, h := range subsumed {
		if err := sess.Annotations().Save(ctx, &annotation.Annotation{
			TractID:    tractID,
			TargetHash: h,
			Priority:   content.PrioritySkip,
			Reason:     "compressed into " + info.CommitHash,
			CreatedAt:  now,
		}); err != nil {
			return "", tracerr.Storage("skip-annotate subsumed commit", err)
		}
	}
	return info.CommitHash, nil
}

// compressionMetadata is the JSON shape recorded on a summary commit's
// Metadata field: the subsumed range and the exact set
// of commit hashes it replaces, so a later reader can tell what a summary
// stands in for without re-walking history.
type compressionMetadata struct {
	FromHash string   `json:"from_hash"`
	ToHash   string   `json:"to_hash"`
	Subsumed []string `json:"subsumed_commit_hashes"`
}

func buildMetadata(fromHash, toHash string, subsumed []string) (json.RawMessage, error) {
	raw, err := json.Marshal(compressionMetadata{FromHash: fromHash, ToHash: toHash, Subsumed: subsumed})
	if err != nil {
		return nil, fmt.Errorf("compression: encode metadata: %w", err)
	}
	return raw, nil
}
