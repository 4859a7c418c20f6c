package apt

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRecord marks records that cannot be synced.
var ErrInvalidRecord = errors.New("invalid package record")

// Checksums holds the checksum values listed for a package.
// An empty string means the index did not carry that checksum.
type Checksums struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Values returns the checksums that are present, strongest first.
func (c Checksums) Values() []string {
	values := make([]string, 0, 3)
	for _, v := range []string{c.SHA256, c.SHA1, c.MD5} {
		if v != "" {
			values = append(values, v)
		}
	}
	return values
}

// PackageRecord is one stanza of a Packages index.
type PackageRecord struct {
	Name         string
	Filename     string
	Version      string
	Architecture string
	MultiArch    string
	Checksums    Checksums

	// HasMultiArch is true if the stanza has a Multi-Arch field, even
	// an empty one.
	HasMultiArch bool
}

// set assigns a field by its control key. Unknown keys are ignored and
// a repeated key overwrites the earlier value.
func (r *PackageRecord) set(key, value string) {
	switch strings.ToLower(key) {
	case "package":
		r.Name = value
	case "filename":
		r.Filename = value
	case "md5sum":
		r.Checksums.MD5 = value
	case "sha1":
		r.Checksums.SHA1 = value
	case "sha256":
		r.Checksums.SHA256 = value
	case "version":
		r.Version = value
	case "architecture":
		r.Architecture = value
	case "multi-arch":
		r.MultiArch = value
		r.HasMultiArch = true
	}
}

// HasChecksum returns true if r carries at least one checksum.
func (r *PackageRecord) HasChecksum() bool {
	return r.Checksums.MD5 != "" || r.Checksums.SHA1 != "" || r.Checksums.SHA256 != ""
}

// Basename returns the last element of the record's filename.
func (r *PackageRecord) Basename() string {
	return path.Base(r.Filename)
}

// Validate checks that r can be downloaded from a repository root.
// A missing checksum is not an error; such records are always synced.
func (r *PackageRecord) Validate() error {
	if r.Filename == "" {
		return errors.Mark(errors.Newf("package %q has no Filename", r.Name), ErrInvalidRecord)
	}
	if err := validateRepositoryPath(r.Filename); err != nil {
		return errors.Mark(errors.Wrapf(err, "package %q", r.Name), ErrInvalidRecord)
	}
	return nil
}

// validateRepositoryPath rejects paths that would escape the repository root.
func validateRepositoryPath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" ||
		(len(p) >= 2 && p[1] == ':') {
		return errors.New("absolute path not allowed: " + p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return errors.New("path contains directory traversal: " + p)
		}
	}
	return nil
}
