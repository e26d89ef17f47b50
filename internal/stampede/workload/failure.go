package workload

import (
	"fmt"

	"github.com/stampedeproject/stampede/internal/common/logging"
)

// MainThread is the thread identity recorded for failures raised by the
// orchestrator itself rather than by a worker.
const MainThread = "main"

// Failure is a normalized record of one failure observed during a run.
// Every error raised by a worker or a teardown becomes exactly one Failure
// in the run's aggregate result.
type Failure struct {
	Message    string
	Stacktrace string
	// The global worker index as a string, or "main".
	ThreadID string
	// Identifies where the failure occurred, e.g. "Foreground counter" for
	// a worker executing the counter workload, or "Foreground Teardown".
	Phase string
}

// NewFailure normalizes err into a Failure, extracting a pkg/errors stack
// trace when one is attached.
func NewFailure(err error, threadID, phase string) *Failure {
	return &Failure{
		Message:    err.Error(),
		Stacktrace: logging.StacktraceString(err),
		ThreadID:   threadID,
		Phase:      phase,
	}
}

func (f *Failure) Error() string {
	s := fmt.Sprintf("[%s, thread %s] %s", f.Phase, f.ThreadID, f.Message)
	if f.Stacktrace != "" {
		s += "\n" + f.Stacktrace
	}
	return s
}
