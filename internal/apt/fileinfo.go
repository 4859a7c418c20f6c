package apt

import (
	"bytes"
	"crypto/md5"  // #nosec G501 - MD5 required for APT repository compatibility
	"crypto/sha1" // #nosec G505 - SHA1 required for APT repository compatibility
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// FileInfo is the size and digests of a downloaded file.
type FileInfo struct {
	size   uint64
	md5    []byte
	sha1   []byte
	sha256 []byte
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// SHA256 returns the hex encoded sha256 digest.
func (fi *FileInfo) SHA256() string {
	return hex.EncodeToString(fi.sha256)
}

// Checksums returns the hex encoded digests of the file.
func (fi *FileInfo) Checksums() Checksums {
	return Checksums{
		MD5:    hex.EncodeToString(fi.md5),
		SHA1:   hex.EncodeToString(fi.sha1),
		SHA256: hex.EncodeToString(fi.sha256),
	}
}

// MatchesSHA256 returns true if fi has the given size and hex sha256 digest.
func (fi *FileInfo) MatchesSHA256(size int64, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	if size >= 0 && uint64(size) != fi.size { // #nosec G115 - size checked non-negative
		return false
	}
	return bytes.Equal(fi.sha256, want)
}

// VerifyChecksums compares every checksum present in want with fi.
// Absent checksums are not checked.
func (fi *FileInfo) VerifyChecksums(want Checksums) error {
	got := fi.Checksums()
	for _, c := range []struct {
		name      string
		got, want string
	}{
		{"SHA256", got.SHA256, want.SHA256},
		{"SHA1", got.SHA1, want.SHA1},
		{"MD5sum", got.MD5, want.MD5},
	} {
		if c.want != "" && !strings.EqualFold(c.got, c.want) {
			return errors.Newf("%s mismatch: got %s, want %s", c.name, c.got, c.want)
		}
	}
	return nil
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
func CopyWithFileInfo(dst io.Writer, src io.Reader) (*FileInfo, error) {
	md5hash := md5.New()   // #nosec G401 - MD5 required for APT repository compatibility
	sha1hash := sha1.New() // #nosec G401 - SHA1 required for APT repository compatibility
	sha256hash := sha256.New()

	w := io.MultiWriter(md5hash, sha1hash, sha256hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		size:   uint64(n), // #nosec G115 - io.Copy returns int64, conversion is safe as n >= 0
		md5:    md5hash.Sum(nil),
		sha1:   sha1hash.Sum(nil),
		sha256: sha256hash.Sum(nil),
	}, nil
}
