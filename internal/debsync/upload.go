package debsync

import (
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

const redacted = "********"

// RHNPush uploads package files to a channel with the rhnpush command.
type RHNPush struct {
	Binary   string
	Channel  string
	Username string
	Password string
}

// NewRHNPush returns an uploader for the configured channel.
func NewRHNPush(config *Config) *RHNPush {
	return &RHNPush{
		Binary:   config.RHNPush,
		Channel:  config.Channel,
		Username: config.Username,
		Password: config.Password,
	}
}

func (p *RHNPush) args(path, password string) []string {
	return []string{"-c", p.Channel, "-u", p.Username, "-p", password, path}
}

// CommandLine returns the command run for path, with the password redacted.
func (p *RHNPush) CommandLine(path string) string {
	return strings.Join(append([]string{p.Binary}, p.args(path, redacted)...), " ")
}

// Upload pushes one file. A non-zero exit status is returned as an
// *UploadError marked with ErrUpload.
func (p *RHNPush) Upload(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, p.Binary, p.args(path, p.Password)...) // #nosec G204 - no shell is involved
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Mark(&UploadError{
			Command: p.CommandLine(path),
			Output:  strings.TrimSpace(string(out)),
			Err:     err,
		}, ErrUpload)
	}
	return nil
}
