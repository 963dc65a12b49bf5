// Package policy holds the classifier weights and rule catalog the
// conversation pipeline runs with. The heuristics are keyword and shape
// based so they are cheap and deterministic; the optional judge asks a
// model to grade the whole reply batch.
package policy

import (
	"log/slog"
	"time"

	"github.com/nugget/chorus/internal/pipeline"
)

// Classifier IDs.
const (
	ClassMention    = "mention"
	ClassDirect     = "direct"
	ClassQuestion   = "question"
	ClassRecency    = "recency"
	ClassSubstance  = "substance"
	ClassLength     = "length"
	ClassRefusal    = "refusal"
	ClassFormatting = "formatting"
)

// Rule IDs, listed in execution order.
const (
	RuleDropEmpty      = "drop_empty"
	RuleDropRefusal    = "drop_refusal"
	RuleTruncate       = "truncate"
	RuleCloseFences    = "close_fences"
	RuleDedupe         = "dedupe"
	RuleBatchThreshold = "batch_threshold"
)

// Config parameterizes the default policy.
type Config struct {
	// Name is the agent's display name, matched for mentions.
	Name string
	// RecencyHalfLife is the age at which the recency score halves.
	RecencyHalfLife time.Duration
	// MaxMessageLen is the platform message limit in runes.
	MaxMessageLen int
	// DropRefusals removes replies that read as refusals.
	DropRefusals bool
	// MinBatchScore drops the whole batch when its score is below it.
	MinBatchScore float64
	// Judge, when set, grades batches with a model instead of the
	// heuristic scorer.
	Judge pipeline.Generator
	// Now is the clock used for recency. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Default builds the standard policy table.
func Default(cfg Config) pipeline.Policy {
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 10 * time.Minute
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = pipeline.DefaultMaxMessageLen
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var scorer pipeline.BatchScorer = Heuristic{}
	if cfg.Judge != nil {
		scorer = &Judge{Gen: cfg.Judge, Fallback: Heuristic{}, Logger: cfg.Logger}
	}

	return pipeline.Policy{
		Classifiers: append(InputClassifiers(cfg), OutputClassifiers(cfg)...),
		Rules:       Rules(cfg),
		BatchScorer: scorer,
	}
}
