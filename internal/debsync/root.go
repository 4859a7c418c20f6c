package debsync

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// defaultRootPatterns locate the directory that package Filename fields
// are relative to. Order is priority: the first match wins.
var defaultRootPatterns = []string{
	`^(.*?ubuntu/)`,                        // Ubuntu pool
	`^(.*?debian/)`,                        // Debian pool
	`^(.*?security\.debian\.org/)`,         // security archive
	`^(.*?archive\.canonical\.com/)`,       // Canonical partner archive
	`^(.*?postgresql\.org/pub/repos/apt/)`, // PostgreSQL apt
}

// RootResolver infers a repository root from an index URL.
type RootResolver struct {
	patterns []*regexp.Regexp
}

// NewRootResolver compiles the built-in patterns followed by extra.
// Each pattern must have one capture group holding the root prefix.
func NewRootResolver(extra []string) (*RootResolver, error) {
	r := &RootResolver{}
	for _, p := range append(append([]string{}, defaultRootPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid root pattern %q", p)
		}
		if re.NumSubexp() < 1 {
			return nil, errors.Newf("root pattern %q has no capture group", p)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Resolve returns the root prefix for indexURL.
func (r *RootResolver) Resolve(indexURL string) (string, error) {
	for _, re := range r.patterns {
		if m := re.FindStringSubmatch(indexURL); m != nil && m[1] != "" {
			return m[1], nil
		}
	}
	return "", errors.Mark(errors.Newf("no root pattern matches %s", indexURL), ErrNoRepoRoot)
}

// splitSuite splits an index directory URL such as
// http://host/ubuntu/dists/jammy/main/binary-amd64/ into the suite
// directory (http://host/ubuntu/dists/jammy/) and the index directory
// relative to it (main/binary-amd64).
func splitSuite(indexURL string) (suiteURL, rel string, ok bool) {
	i := strings.LastIndex(indexURL, "/dists/")
	if i < 0 {
		return "", "", false
	}
	rest := indexURL[i+len("/dists/"):]
	suite, rel, found := strings.Cut(rest, "/")
	if !found || suite == "" {
		return "", "", false
	}
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return "", "", false
	}
	return indexURL[:i+len("/dists/")] + suite + "/", rel, true
}
