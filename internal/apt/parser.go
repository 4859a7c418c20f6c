package apt

import (
	"bufio"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

const (
	// MaxStanzaBytes bounds the size of a single stanza.
	MaxStanzaBytes = 1 << 20
	// MaxStanzaFields bounds the number of "Key: value" lines in a stanza.
	MaxStanzaFields = 1024
)

// ErrParse marks malformed or oversized index input.
var ErrParse = errors.New("index parse error")

// Compression identifies how an index file is compressed.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGZIP Compression = "gz"
	CompressionXZ   Compression = "xz"
)

// Extension returns the file name suffix for c.
func (c Compression) Extension() string {
	switch c {
	case CompressionGZIP:
		return ".gz"
	case CompressionXZ:
		return ".xz"
	default:
		return ""
	}
}

// Decompress wraps r with a decompressor for c.
func (c Compression) Decompress(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionGZIP:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "gzip"), ErrParse)
		}
		return gr, nil
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "xz"), ErrParse)
		}
		return io.NopCloser(xr), nil
	default:
		return io.NopCloser(r), nil
	}
}

// IndexParser reads PackageRecords one stanza at a time from a
// Packages index.
type IndexParser struct {
	scanner   *bufio.Scanner
	closer    io.Closer
	maxBytes  int
	maxFields int
	line      int
	count     int
}

// NewIndexParser returns a parser reading a compressed index from r.
func NewIndexParser(r io.Reader, c Compression) (*IndexParser, error) {
	rc, err := c.Decompress(r)
	if err != nil {
		return nil, err
	}
	p := newIndexParser(rc, MaxStanzaBytes, MaxStanzaFields)
	p.closer = rc
	return p, nil
}

func newIndexParser(r io.Reader, maxBytes, maxFields int) *IndexParser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes)
	return &IndexParser{
		scanner:   scanner,
		maxBytes:  maxBytes,
		maxFields: maxFields,
	}
}

// Count returns the number of records returned so far.
func (p *IndexParser) Count() int {
	return p.count
}

// Close releases the decompressor.
func (p *IndexParser) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Next returns the next record, or io.EOF when the index is exhausted.
//
// Stanzas are separated by blank lines. Each line is split on its first
// colon; continuation lines and lines without a colon are skipped.
func (p *IndexParser) Next() (*PackageRecord, error) {
	var rec *PackageRecord
	var start, size, fields int

	for p.scanner.Scan() {
		p.line++
		line := strings.TrimRight(p.scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if rec != nil {
				p.count++
				return rec, nil
			}
			continue
		}
		if rec == nil {
			rec = &PackageRecord{}
			start, size, fields = p.line, 0, 0
		}

		size += len(line) + 1
		if size > p.maxBytes {
			return nil, errors.Mark(errors.Newf("stanza at line %d exceeds %d bytes", start, p.maxBytes), ErrParse)
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields++
		if fields > p.maxFields {
			return nil, errors.Mark(errors.Newf("stanza at line %d has more than %d fields", start, p.maxFields), ErrParse)
		}
		rec.set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	if err := p.scanner.Err(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read index at line %d", p.line+1), ErrParse)
	}
	if rec != nil {
		p.count++
		return rec, nil
	}
	return nil, io.EOF
}

// ReadAll parses every remaining record.
func (p *IndexParser) ReadAll() ([]*PackageRecord, error) {
	var records []*PackageRecord
	for {
		rec, err := p.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
