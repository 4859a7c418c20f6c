package debsync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/debsync/internal/apt"
)

// State is a step of a sync run.
type State int

// States of a sync run, in order. StateFailed is only entered from
// StateSyncing.
const (
	StateInit State = iota
	StateAuthenticated
	StateIndexFetched
	StateDiffed
	StateSyncing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateAuthenticated:
		return "Authenticated"
	case StateIndexFetched:
		return "IndexFetched"
	case StateDiffed:
		return "Diffed"
	case StateSyncing:
		return "Syncing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Catalog lists the packages a channel already holds.
type Catalog interface {
	Login(ctx context.Context, username, password string) (string, error)
	ListChecksums(ctx context.Context, key, channel string) ([]string, error)
	Logout(ctx context.Context, key string) error
}

// Repository fetches the index and package files of a remote repository.
type Repository interface {
	FetchIndex(ctx context.Context, repoURL string) (*Index, error)
	FetchInRelease(ctx context.Context, suiteURL string) ([]byte, error)
	Download(ctx context.Context, fileURL, dst string, want apt.Checksums) error
}

// Uploader pushes one package file to the catalog.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Result summarizes a run.
type Result struct {
	State State
	Plan  *SyncPlan
	// Synced counts packages uploaded in this run.
	Synced int
	// FailedAt is the index into Plan.ToSync of the package that failed.
	FailedAt int
	// MultiArch counts lines written to the Multi-Arch report.
	MultiArch int
}

// Syncer drives one run: authenticate, fetch, diff, then download and
// upload each missing package, stopping at the first failure.
type Syncer struct {
	config   *Config
	catalog  Catalog
	repo     Repository
	uploader Uploader
	resolver *RootResolver

	root  string
	state State
}

// NewSyncer returns a Syncer for a checked Config.
func NewSyncer(config *Config, catalog Catalog, repo Repository, uploader Uploader) (*Syncer, error) {
	resolver, err := NewRootResolver(config.ExtraRootPatterns)
	if err != nil {
		return nil, errors.Mark(err, ErrUsage)
	}
	return &Syncer{
		config:   config,
		catalog:  catalog,
		repo:     repo,
		uploader: uploader,
		resolver: resolver,
	}, nil
}

// State returns the current state.
func (s *Syncer) State() State {
	return s.state
}

func (s *Syncer) transition(to State) {
	slog.Debug("state transition", "from", s.state, "to", to)
	s.state = to
}

// Run performs the sync. The returned Result is non-nil even on error.
func (s *Syncer) Run(ctx context.Context) (*Result, error) {
	result := &Result{FailedAt: -1}
	defer func() {
		result.State = s.state
	}()

	root, err := s.resolver.Resolve(s.config.URL)
	slog.Info("repo url", "url", s.config.URL)
	if err != nil {
		slog.Error("could not determine repo root", "url", s.config.URL)
	} else {
		slog.Info("repo root", "root", root)
	}
	s.root = root

	known, err := s.fetchKnownChecksums(ctx)
	if err != nil {
		return result, err
	}

	idx, err := s.fetchIndex(ctx)
	if err != nil {
		return result, err
	}
	defer idx.Remove()

	plan, multiArch, err := s.diff(idx, known)
	if err != nil {
		return result, err
	}
	result.Plan = plan
	result.MultiArch = multiArch

	slog.Info("packages in repo", "count", plan.Total)
	slog.Info("packages synced", "count", plan.AlreadySynced)
	slog.Info("packages to sync", "count", len(plan.ToSync))
	if plan.Invalid > 0 {
		slog.Warn("packages skipped", "count", plan.Invalid)
	}
	if multiArch > 0 {
		slog.Info("multi-arch packages reported", "count", multiArch, "path", s.config.MultiArchReportPath())
	}

	if s.config.DryRun {
		for _, rec := range plan.ToSync {
			slog.Info("would sync", "package", rec.Name, "version", rec.Version, "filename", rec.Filename)
		}
		s.transition(StateDone)
		return result, nil
	}

	synced, err := s.syncAll(ctx, plan)
	result.Synced = synced
	if err != nil {
		result.FailedAt = synced
		return result, err
	}

	slog.Info("sync complete", "synced", synced)
	return result, nil
}

// fetchKnownChecksums logs in, lists the channel and logs out again
// before anything is downloaded.
func (s *Syncer) fetchKnownChecksums(ctx context.Context) (KnownChecksums, error) {
	key, err := s.catalog.Login(ctx, s.config.Username, s.config.Password)
	if err != nil {
		return nil, err
	}
	s.transition(StateAuthenticated)

	checksums, err := s.catalog.ListChecksums(ctx, key, s.config.Channel)
	if logoutErr := s.catalog.Logout(ctx, key); logoutErr != nil {
		slog.Warn("failed to log out", "error", logoutErr)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("fetched channel packages", "channel", s.config.Channel, "count", len(checksums))
	return NewKnownChecksums(checksums), nil
}

func (s *Syncer) fetchIndex(ctx context.Context) (*Index, error) {
	idx, err := s.repo.FetchIndex(ctx, s.config.URL)
	if err != nil {
		return nil, err
	}
	if s.config.Keyring != "" {
		if err := s.verifyIndex(ctx, idx); err != nil {
			idx.Remove()
			return nil, err
		}
	}
	s.transition(StateIndexFetched)
	return idx, nil
}

// verifyIndex checks the index against the signed InRelease of its suite.
func (s *Syncer) verifyIndex(ctx context.Context, idx *Index) error {
	suiteURL, rel, ok := splitSuite(s.config.URL)
	if !ok {
		return errors.Mark(errors.Newf("cannot locate the suite directory of %s", s.config.URL), apt.ErrSignature)
	}
	key, err := os.ReadFile(s.config.Keyring)
	if err != nil {
		return errors.Wrapf(err, "failed to read PGP keyring from: %s", s.config.Keyring)
	}
	inRelease, err := s.repo.FetchInRelease(ctx, suiteURL)
	if err != nil {
		return err
	}
	release, err := apt.VerifyInRelease(key, inRelease)
	if err != nil {
		return err
	}
	if err := release.VerifyIndex(rel+"/"+idx.Name(), idx.Info); err != nil {
		return err
	}
	slog.Info("index verified against InRelease", "suite", release.Suite, "index", rel+"/"+idx.Name())
	return nil
}

// diff parses the index, writes the Multi-Arch report and builds the plan.
// The report is closed before diff returns.
func (s *Syncer) diff(idx *Index, known KnownChecksums) (plan *SyncPlan, multiArch int, err error) {
	reporter, err := OpenMultiArchReporter(s.config.MultiArchReportPath())
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := reporter.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	engine := NewDiffEngine(known)
	err = idx.Parse(func(rec *apt.PackageRecord) error {
		if err := reporter.Report(rec); err != nil {
			return err
		}
		engine.Add(rec)
		return nil
	})
	if err != nil {
		return nil, 0, errors.Wrapf(err, "parse %s", idx.URL)
	}

	plan = engine.Plan()
	if s.config.Filters != nil {
		before := len(plan.ToSync)
		plan.ToSync = applyPackageFilters(s.config.Filters, plan.ToSync)
		plan.Filtered = before - len(plan.ToSync)
	}
	s.transition(StateDiffed)
	return plan, reporter.Count(), nil
}

// syncAll downloads and uploads each package in order. The first
// failure moves the run to StateFailed and the remaining packages are
// not attempted.
func (s *Syncer) syncAll(ctx context.Context, plan *SyncPlan) (int, error) {
	var bar *pb.ProgressBar
	if s.config.Progress && len(plan.ToSync) > 0 {
		bar = pb.StartNew(len(plan.ToSync))
		defer bar.Finish()
	}

	total := len(plan.ToSync)
	for i, rec := range plan.ToSync {
		s.transition(StateSyncing)
		slog.Info("syncing", "n", i+1, "total", total, "package", rec.Basename())

		if err := s.syncOne(ctx, rec); err != nil {
			s.transition(StateFailed)
			return i, err
		}
		if bar != nil {
			bar.Increment()
		}
	}
	s.transition(StateDone)
	return total, nil
}

func (s *Syncer) syncOne(ctx context.Context, rec *apt.PackageRecord) error {
	if s.root == "" {
		return errors.Mark(errors.Newf("cannot resolve %s without a repo root", rec.Filename), ErrNoRepoRoot)
	}
	dst := filepath.Join(s.config.ScratchDir, rec.Basename())
	defer func() {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove package file", "path", dst, "error", err)
		}
	}()

	if err := s.repo.Download(ctx, s.root+rec.Filename, dst, rec.Checksums); err != nil {
		return err
	}
	return s.uploader.Upload(ctx, dst)
}
