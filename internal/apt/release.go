package apt

import (
	"bytes"
	"io"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
	"pault.ag/go/debian/control"
)

// ErrSignature marks a Release file or index that failed verification.
var ErrSignature = errors.New("release verification failed")

// Release is the subset of a Release/InRelease file needed to verify
// an index.
type Release struct {
	Origin   string
	Suite    string
	Codename string
	SHA256   []control.SHA256FileHash `control:"SHA256" delim:"\n" strip:"\n\r\t "`
}

// ParseRelease decodes an unsigned Release body.
func ParseRelease(r io.Reader) (*Release, error) {
	var rel Release
	if err := control.Unmarshal(&rel, r); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse Release"), ErrParse)
	}
	return &rel, nil
}

// Lookup returns the SHA256 entry for a path relative to the suite directory.
func (rel *Release) Lookup(p string) (control.SHA256FileHash, bool) {
	for _, h := range rel.SHA256 {
		if h.Filename == p {
			return h, true
		}
	}
	return control.SHA256FileHash{}, false
}

// VerifyIndex checks that fi matches the Release entry for p.
func (rel *Release) VerifyIndex(p string, fi *FileInfo) error {
	h, ok := rel.Lookup(p)
	if !ok {
		return errors.Mark(errors.Newf("%s is not listed in Release", p), ErrSignature)
	}
	if !fi.MatchesSHA256(h.Size, h.Hash) {
		return errors.Mark(errors.Newf("checksum mismatch for %s: got sha256 %s, want %s", p, fi.SHA256(), h.Hash), ErrSignature)
	}
	return nil
}

// VerifyInRelease checks the clear signature of an InRelease file against
// an armored public key and returns the parsed Release.
func VerifyInRelease(armoredKey, inRelease []byte) (*Release, error) {
	publicKey, err := crypto.NewKeyFromArmored(string(armoredKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PGP keyring")
	}

	verifier, err := crypto.PGP().Verify().VerificationKey(publicKey).New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create verifier")
	}

	result, err := verifier.VerifyCleartext(inRelease)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "InRelease"), ErrSignature)
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return nil, errors.Mark(errors.Wrap(sigErr, "InRelease"), ErrSignature)
	}

	return ParseRelease(bytes.NewReader(result.Cleartext()))
}
