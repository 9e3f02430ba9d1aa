// Package eval grades the assistant's answers against a labeled corpus along
// four axes: understanding, retrieval, ranking and presentation. Runs are
// deterministic for a fixed corpus and a deterministic pipeline, so scores
// are comparable across code changes.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/orchestration"
)

// Mode selects how answers are produced
type Mode string

const (
	// ModeFull runs every case through the live pipeline and caches the
	// envelopes for later cached runs
	ModeFull Mode = "full"
	// ModeCached grades previously produced envelopes; cases without a cached
	// envelope fall back to a full run
	ModeCached Mode = "cached"
)

// Case is one labeled query
type Case struct {
	ID      string                       `json:"id"`
	Query   string                       `json:"query"`
	History []orchestration.HistoryEntry `json:"history,omitempty"`

	// ExpectedItems are the item IDs the answer must cite, best first
	ExpectedItems []string `json:"expected_items,omitempty"`
	// ExpectedPhrases must each appear in the answer text
	ExpectedPhrases []string `json:"expected_phrases,omitempty"`
	// ExpectClarification marks queries that must ask back instead of answering
	ExpectClarification bool `json:"expect_clarification,omitempty"`
	// ForbiddenItems must not be cited (e.g. read mail in an unread query)
	ForbiddenItems []string `json:"forbidden_items,omitempty"`
}

// AxisScores are the four grading axes, each in [0,1]
type AxisScores struct {
	Understanding float64 `json:"understanding"`
	Retrieval     float64 `json:"retrieval"`
	Ranking       float64 `json:"ranking"`
	Presentation  float64 `json:"presentation"`
}

// Overall is the unweighted mean of the axes
func (s AxisScores) Overall() float64 {
	return (s.Understanding + s.Retrieval + s.Ranking + s.Presentation) / 4
}

// CaseResult is one graded case
type CaseResult struct {
	CaseID   string     `json:"case_id"`
	Scores   AxisScores `json:"scores"`
	FromCache bool      `json:"from_cache"`
	Answer   string     `json:"answer"`
	Err      string     `json:"error,omitempty"`
}

// Report aggregates a run
type Report struct {
	Mode    Mode         `json:"mode"`
	Cases   []CaseResult `json:"cases"`
	Mean    AxisScores   `json:"mean"`
	Overall float64      `json:"overall"`
}

// Processor produces an envelope for a request. Satisfied by
// orchestration.Orchestrator.
type Processor interface {
	Process(ctx context.Context, req *orchestration.Request) (*orchestration.Envelope, error)
}

// Evaluator grades a corpus against a pipeline
type Evaluator struct {
	processor Processor
	cache     orchestration.Cache
	userID    string
	logger    core.Logger
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithCache sets the envelope cache used by cached-mode runs
func WithCache(cache orchestration.Cache) Option {
	return func(e *Evaluator) { e.cache = cache }
}

// WithUserID sets the corpus user (default "eval-user")
func WithUserID(userID string) Option {
	return func(e *Evaluator) { e.userID = userID }
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an evaluator over the pipeline
func New(processor Processor, opts ...Option) *Evaluator {
	e := &Evaluator{
		processor: processor,
		cache:     orchestration.NewMemoryCache(),
		userID:    "eval-user",
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// envelopeTTL keeps cached envelopes across evaluation sessions
const envelopeTTL = 24 * time.Hour

func caseKey(c Case) string {
	return "eval:" + orchestration.HashPrompt(c.ID+"|"+c.Query)
}

// Run grades every case and aggregates the axes
func (e *Evaluator) Run(ctx context.Context, mode Mode, corpus []Case) (*Report, error) {
	if len(corpus) == 0 {
		return nil, fmt.Errorf("%w: evaluation corpus is empty", core.ErrInvalidConfiguration)
	}

	report := &Report{Mode: mode}
	var sum AxisScores

	for _, c := range corpus {
		result := e.runCase(ctx, mode, c)
		report.Cases = append(report.Cases, result)
		sum.Understanding += result.Scores.Understanding
		sum.Retrieval += result.Scores.Retrieval
		sum.Ranking += result.Scores.Ranking
		sum.Presentation += result.Scores.Presentation
	}

	n := float64(len(report.Cases))
	report.Mean = AxisScores{
		Understanding: sum.Understanding / n,
		Retrieval:     sum.Retrieval / n,
		Ranking:       sum.Ranking / n,
		Presentation:  sum.Presentation / n,
	}
	report.Overall = report.Mean.Overall()

	e.logger.Info("Evaluation run finished", map[string]interface{}{
		"operation": "evaluation",
		"mode":      string(mode),
		"cases":     len(report.Cases),
		"overall":   report.Overall,
	})
	return report, nil
}

func (e *Evaluator) runCase(ctx context.Context, mode Mode, c Case) CaseResult {
	envelope, fromCache, err := e.envelopeFor(ctx, mode, c)
	if err != nil {
		return CaseResult{CaseID: c.ID, Err: err.Error()}
	}
	return CaseResult{
		CaseID:    c.ID,
		Scores:    Grade(c, envelope),
		FromCache: fromCache,
		Answer:    envelope.Answer,
	}
}

func (e *Evaluator) envelopeFor(ctx context.Context, mode Mode, c Case) (*orchestration.Envelope, bool, error) {
	key := caseKey(c)

	if mode == ModeCached {
		if data, ok, err := e.cache.Get(ctx, key); err == nil && ok {
			var envelope orchestration.Envelope
			if json.Unmarshal(data, &envelope) == nil {
				return &envelope, true, nil
			}
		}
		e.logger.Debug("Cached envelope missing, running live", map[string]interface{}{
			"operation": "evaluation",
			"case":      c.ID,
		})
	}

	envelope, err := e.processor.Process(ctx, &orchestration.Request{
		UserID:  e.userID,
		Message: c.Query,
		History: c.History,
	})
	if err != nil {
		return nil, false, err
	}
	if data, err := json.Marshal(envelope); err == nil {
		_ = e.cache.Set(ctx, key, data, envelopeTTL)
	}
	return envelope, false, nil
}

// Grade scores one envelope against its case labels. Pure and deterministic.
func Grade(c Case, envelope *orchestration.Envelope) AxisScores {
	return AxisScores{
		Understanding: gradeUnderstanding(c, envelope),
		Retrieval:     gradeRetrieval(c, envelope),
		Ranking:       gradeRanking(c, envelope),
		Presentation:  gradePresentation(c, envelope),
	}
}

// gradeUnderstanding checks the response mode: ask-back when the query is
// ambiguous, a grounded answer otherwise
func gradeUnderstanding(c Case, envelope *orchestration.Envelope) float64 {
	askedBack := strings.Contains(envelope.Answer, "Did you mean") ||
		strings.Contains(envelope.Answer, "more information")
	if c.ExpectClarification {
		if askedBack && len(envelope.Citations) == 0 {
			return 1
		}
		return 0
	}
	if askedBack {
		return 0
	}
	// A non-ambiguous query with expected items must produce a cited answer
	if len(c.ExpectedItems) > 0 && len(envelope.Citations) == 0 {
		return 0
	}
	return 1
}

// gradeRetrieval is recall over expected items, penalized by forbidden hits
func gradeRetrieval(c Case, envelope *orchestration.Envelope) float64 {
	if len(c.ExpectedItems) == 0 && len(c.ForbiddenItems) == 0 {
		return 1
	}

	cited := make(map[string]bool, len(envelope.Citations))
	for _, citation := range envelope.Citations {
		cited[citation.ItemID] = true
	}

	score := 1.0
	if len(c.ExpectedItems) > 0 {
		found := 0
		for _, id := range c.ExpectedItems {
			if cited[id] {
				found++
			}
		}
		score = float64(found) / float64(len(c.ExpectedItems))
	}
	for _, id := range c.ForbiddenItems {
		if cited[id] {
			score -= 0.5
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// gradeRanking scores pairwise order agreement between the expected item
// order and the citation order
func gradeRanking(c Case, envelope *orchestration.Envelope) float64 {
	if len(c.ExpectedItems) < 2 {
		return 1
	}

	position := make(map[string]int, len(envelope.Citations))
	for i, citation := range envelope.Citations {
		if _, seen := position[citation.ItemID]; !seen {
			position[citation.ItemID] = i
		}
	}

	pairs, agree := 0, 0
	for i := 0; i < len(c.ExpectedItems); i++ {
		for j := i + 1; j < len(c.ExpectedItems); j++ {
			pi, iOK := position[c.ExpectedItems[i]]
			pj, jOK := position[c.ExpectedItems[j]]
			if !iOK || !jOK {
				continue
			}
			pairs++
			if pi < pj {
				agree++
			}
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(agree) / float64(pairs)
}

// gradePresentation checks the answer text itself: non-empty, carries the
// expected phrases, and every citation is grounded in an item id
func gradePresentation(c Case, envelope *orchestration.Envelope) float64 {
	if strings.TrimSpace(envelope.Answer) == "" {
		return 0
	}
	score := 1.0
	if len(c.ExpectedPhrases) > 0 {
		found := 0
		lowered := strings.ToLower(envelope.Answer)
		for _, phrase := range c.ExpectedPhrases {
			if strings.Contains(lowered, strings.ToLower(phrase)) {
				found++
			}
		}
		score = float64(found) / float64(len(c.ExpectedPhrases))
	}
	for _, citation := range envelope.Citations {
		if citation.ItemID == "" || citation.NodeID == "" {
			score -= 0.25
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
