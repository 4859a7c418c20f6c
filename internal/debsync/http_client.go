package debsync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/debsync/internal/apt"
)

const maxReleaseBytes = 16 << 20

var errNotFound = errors.New("not found")

// HTTPClient fetches repository indexes and package files.
type HTTPClient struct {
	client     *http.Client
	scratchDir string
}

// NewHTTPClient creates a client that stores downloads under scratchDir.
func NewHTTPClient(tlsConfig *TLSConfig, scratchDir string) (*HTTPClient, error) {
	client, err := clonedTransport(tlsConfig)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		client:     client,
		scratchDir: scratchDir,
	}, nil
}

// Index is a downloaded, still compressed Packages index.
type Index struct {
	URL         string
	Path        string
	Compression apt.Compression
	Info        *apt.FileInfo
}

// Name returns the index file name, e.g. "Packages.gz".
func (idx *Index) Name() string {
	return "Packages" + idx.Compression.Extension()
}

// Parse calls fn for each record in the index. The index file is closed
// before Parse returns.
func (idx *Index) Parse(fn func(*apt.PackageRecord) error) (err error) {
	f, err := os.Open(idx.Path)
	if err != nil {
		return errors.Wrap(err, "open index")
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("failed to close index", "path", idx.Path, "error", closeErr)
		}
	}()

	parser, err := apt.NewIndexParser(f, idx.Compression)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := parser.Close(); closeErr != nil && err == nil {
			err = errors.Mark(errors.Wrap(closeErr, "close index"), apt.ErrParse)
		}
	}()

	for {
		rec, err := parser.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Remove deletes the downloaded index.
func (idx *Index) Remove() {
	if err := os.Remove(idx.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove index", "path", idx.Path, "error", err)
	}
}

// FetchIndex downloads Packages.gz from repoURL, falling back to
// Packages.xz when the gzip index does not exist.
func (h *HTTPClient) FetchIndex(ctx context.Context, repoURL string) (*Index, error) {
	for _, c := range []apt.Compression{apt.CompressionGZIP, apt.CompressionXZ} {
		target := repoURL + "Packages" + c.Extension()
		idx, err := h.fetchIndexFile(ctx, target, c)
		if errors.Is(err, errNotFound) {
			slog.Debug("index variant not available", "url", target)
			continue
		}
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	return nil, errors.Mark(errors.Newf("no Packages.gz or Packages.xz under %s", repoURL), ErrIndexFetch)
}

func (h *HTTPClient) fetchIndexFile(ctx context.Context, target string, c apt.Compression) (*Index, error) {
	resp, err := h.get(ctx, target)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "GET %s", target), ErrIndexFetch)
	}
	defer closeRespBody(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Mark(errors.Newf("unexpected status code %d for %s", resp.StatusCode, target), ErrIndexFetch)
	}

	tempfile, err := os.CreateTemp(h.scratchDir, "Packages-*"+c.Extension())
	if err != nil {
		return nil, errors.Wrap(err, "create index file")
	}
	fi, err := apt.CopyWithFileInfo(tempfile, resp.Body)
	if err != nil {
		closeAndRemoveFile(tempfile)
		return nil, errors.Mark(errors.Wrapf(err, "read %s", target), ErrIndexFetch)
	}
	if err := tempfile.Close(); err != nil {
		_ = os.Remove(tempfile.Name())
		return nil, errors.Wrap(err, "close index file")
	}

	slog.Debug("downloaded index", "url", target, "size", fi.Size(), "sha256", fi.SHA256())
	return &Index{
		URL:         target,
		Path:        tempfile.Name(),
		Compression: c,
		Info:        fi,
	}, nil
}

// FetchInRelease downloads the InRelease file of a suite directory.
func (h *HTTPClient) FetchInRelease(ctx context.Context, suiteURL string) ([]byte, error) {
	target := suiteURL + "InRelease"
	resp, err := h.get(ctx, target)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "GET %s", target), ErrIndexFetch)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Mark(errors.Newf("unexpected status code %d for %s", resp.StatusCode, target), ErrIndexFetch)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReleaseBytes))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read %s", target), ErrIndexFetch)
	}
	return data, nil
}

// Download saves the file at fileURL to dst and checks it against every
// checksum present in want. dst is removed on failure.
func (h *HTTPClient) Download(ctx context.Context, fileURL, dst string, want apt.Checksums) error {
	resp, err := h.get(ctx, fileURL)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "GET %s", fileURL), ErrDownload)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return errors.Mark(errors.Newf("unexpected status code %d for %s", resp.StatusCode, fileURL), ErrDownload)
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 - dst is the scratch path of a validated Filename
	if err != nil {
		return errors.Wrap(err, "create package file")
	}
	fi, err := apt.CopyWithFileInfo(f, resp.Body)
	if err != nil {
		closeAndRemoveFile(f)
		return errors.Mark(errors.Wrapf(err, "read %s", fileURL), ErrDownload)
	}
	if err := fi.VerifyChecksums(want); err != nil {
		closeAndRemoveFile(f)
		return errors.Mark(errors.Wrapf(err, "verify %s", fileURL), ErrDownload)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return errors.Wrap(err, "close package file")
	}
	slog.Debug("downloaded package", "url", fileURL, "size", fi.Size())
	return nil
}

func (h *HTTPClient) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	// imitation apt-get command
	req.Header.Add("Cache-Control", "max-age=0")
	req.Header.Add("User-Agent", "Debian APT-HTTP/1.3 (debsync)")
	return h.client.Do(req)
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a temporary file.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}

// clonedTransport creates a new HTTP client with the given TLS configuration.
func clonedTransport(tlsConfig *TLSConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "tls")
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}
