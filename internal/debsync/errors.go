package debsync

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error kinds. Match them with errors.Is.
var (
	ErrUsage      = errors.New("usage error")
	ErrAuth       = errors.New("catalog authentication failed")
	ErrCatalog    = errors.New("catalog call failed")
	ErrNoRepoRoot = errors.New("could not determine repo root")
	ErrIndexFetch = errors.New("index fetch failed")
	ErrDownload   = errors.New("package download failed")
	ErrUpload     = errors.New("upload failed")
)

// UploadError describes a failed push of one package file.
type UploadError struct {
	// Command is the command line with the password redacted.
	Command string
	Output  string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("rhnpush [ %s ] failed: %v: %s", e.Command, e.Err, e.Output)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
