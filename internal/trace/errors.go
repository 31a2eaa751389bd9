// File: internal/trace/errors.go
package trace

import (
	"compress/gzip"
	"context"
	"errors"
	"io/fs"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
	"github.com/xkilldash9x/scalpel-taint/internal/engine"
)

// AnalysisError classifies the failure of one trace for the run's logfile.
// docURL is the document the trace was recorded in, if known.
func AnalysisError(path, docURL string, err error) schemas.AnalysisError {
	ae := schemas.AnalysisError{Trace: path, URL: docURL, Message: err.Error()}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ae.Type = schemas.ErrorEvaluationTimeout
		ae.Message = ""
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, gzip.ErrHeader),
		errors.Is(err, ErrCompressedFollow):
		ae.Type = schemas.ErrorNavigation
	case errors.Is(err, schemas.ErrInvalidSnapshot):
		ae.Type = schemas.ErrorAssertion
	case errors.Is(err, engine.ErrAborted):
		ae.Type = schemas.ErrorRuntime
	case errors.Is(err, ErrMalformedRecord),
		errors.Is(err, ErrUnknownOp),
		errors.Is(err, ErrUnknownObject),
		errors.Is(err, ErrDuplicateObject),
		errors.Is(err, ErrUnknownContinuation):
		ae.Type = schemas.ErrorInstrumentationFailure
	default:
		ae.Type = schemas.ErrorEvaluation
	}
	return ae
}
