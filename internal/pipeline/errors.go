package pipeline

import "fmt"

// Stage names, used in errors and metrics.
const (
	StageCurate   = "curate"
	StageGenerate = "generate"
	StageCompose  = "compose"
	StageClassify = "classify"
	StageFinalize = "finalize"
)

// GenerationError reports a failed or empty generation call. The run is
// aborted; callers may retry the whole run.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("generation failed (%s): %v", e.Model, e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ClassifierError reports a classifier that failed on an event.
type ClassifierError struct {
	Classifier string
	EventID    string
	Err        error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier %q failed on event %s: %v", e.Classifier, e.EventID, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

// RuleError reports a finalize rule that failed on an event.
type RuleError struct {
	Rule    string
	EventID string
	Err     error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q failed on event %s: %v", e.Rule, e.EventID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// StageError reports a stage invariant that did not hold.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
