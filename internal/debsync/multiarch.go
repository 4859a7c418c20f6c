package debsync

import (
	"bufio"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/debsync/internal/apt"
)

// MultiArchReporter writes one line per package that carries a
// Multi-Arch field: "<name> <version> <arch> <multi-arch>".
//
// The file is named after the channel, so two runs for the same channel
// on one host write to the same file.
type MultiArchReporter struct {
	file  *os.File
	w     *bufio.Writer
	count int
}

// OpenMultiArchReporter creates or truncates the report at path.
func OpenMultiArchReporter(path string) (*MultiArchReporter, error) {
	f, err := os.Create(path) // #nosec G304 - path is built from the validated channel label
	if err != nil {
		return nil, errors.Wrap(err, "open multi-arch report")
	}
	return &MultiArchReporter{
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Count returns the number of lines written.
func (r *MultiArchReporter) Count() int {
	return r.count
}

// Report appends a line for rec if it has a Multi-Arch field. An empty
// field still gets a line.
func (r *MultiArchReporter) Report(rec *apt.PackageRecord) error {
	if !rec.HasMultiArch {
		return nil
	}
	if r.file == nil {
		return errors.New("multi-arch report is closed")
	}
	if _, err := fmt.Fprintf(r.w, "%s %s %s %s\n", rec.Name, rec.Version, rec.Architecture, rec.MultiArch); err != nil {
		return errors.Wrap(err, "write multi-arch report")
	}
	r.count++
	return nil
}

// Close flushes and closes the report. It is safe to call more than once.
func (r *MultiArchReporter) Close() error {
	if r.file == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush multi-arch report")
	}
	return closeErr
}
