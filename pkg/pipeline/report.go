package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// Failure records why one volume could not be segmented
type Failure struct {
	// Volume identifies the volume (its source path)
	Volume string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Volume, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Report is the outcome of a batch: every volume ends up either processed or
// failed, never both.
type Report struct {
	mu sync.Mutex

	// Processed lists the written segmentations
	Processed []string

	// Failed lists the volumes that were dropped and why
	Failed []Failure
}

func (r *Report) succeed(output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Processed = append(r.Processed, output)
}

func (r *Report) fail(volume string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, Failure{Volume: volume, Err: err})
}

// sort orders both lists by name so reports of parallel runs are reproducible
func (r *Report) sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Processed)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i].Volume < r.Failed[j].Volume })
}

// Err combines every failure into one error, or returns nil when all volumes
// were processed
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f)
	}
	return err
}
