// File: api/schemas/logfile.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrInvalidSnapshot is returned by CompactTrackingResult.Validate.
var ErrInvalidSnapshot = errors.New("snapshot is not self-contained")

// AnalysisErrorType classifies why a document produced no snapshot.
type AnalysisErrorType string

const (
	ErrorLoadingTimeout         AnalysisErrorType = "loading-timeout"
	ErrorNavigation             AnalysisErrorType = "navigation-error"
	ErrorInstrumentationFailure AnalysisErrorType = "instrumentation-failure"
	ErrorRuntime                AnalysisErrorType = "runtime-error"
	ErrorEvaluationTimeout      AnalysisErrorType = "evaluation-timeout"
	ErrorEvaluation             AnalysisErrorType = "evaluation-error"
	ErrorAssertion              AnalysisErrorType = "assertion-error"
)

// AnalysisError records one document that failed. URL is set for errors tied to
// a document address, Message for errors that carry a cause.
type AnalysisError struct {
	Type    AnalysisErrorType `json:"type"`
	URL     string            `json:"url,omitempty"`
	Message string            `json:"message,omitempty"`
	Trace   string            `json:"trace,omitempty"`
}

// CompactLogfile collects the snapshots of one replay run. TrackingResultRecord
// is keyed by document URL; a failed document maps to null and has an entry in
// ErrorCollection.
type CompactLogfile struct {
	Site                 string                            `json:"site"`
	TrackingResultRecord map[string]*CompactTrackingResult `json:"trackingResultRecord"`
	ErrorCollection      []AnalysisError                   `json:"errorCollection"`
}

// Validate checks that every label id referenced by a flow or by the storage
// list is present in the label map under its own id.
func (c CompactTrackingResult) Validate() error {
	for id, l := range c.LabelMap {
		if l.ID != id {
			return fmt.Errorf("label map key %d holds label %d: %w", id, l.ID, ErrInvalidSnapshot)
		}
	}
	check := func(where string, id uint64) error {
		if _, ok := c.LabelMap[id]; !ok {
			return fmt.Errorf("%s references label %d: %w", where, id, ErrInvalidSnapshot)
		}
		return nil
	}
	for i, f := range c.Flows {
		if err := check(fmt.Sprintf("flow %d sink", i), f.SinkLabelID); err != nil {
			return err
		}
		for _, id := range f.TaintLabelIDs {
			if err := check(fmt.Sprintf("flow %d taint", i), id); err != nil {
				return err
			}
		}
	}
	for _, id := range c.StorageLabelIDs {
		if err := check("storage labels", id); err != nil {
			return err
		}
	}
	return nil
}
