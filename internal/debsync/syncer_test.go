package debsync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/debsync/internal/apt"
)

const jammyURL = "http://archive.ubuntu.com/ubuntu/dists/jammy/main/binary-amd64/"

// eventLog records the order of calls across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, ev := range l.list() {
		if ev == e {
			return i
		}
	}
	return -1
}

type fakeCatalog struct {
	log       *eventLog
	checksums []string
	loginErr  error
	listErr   error
}

func (c *fakeCatalog) Login(_ context.Context, username, _ string) (string, error) {
	c.log.add("login " + username)
	if c.loginErr != nil {
		return "", c.loginErr
	}
	return "key", nil
}

func (c *fakeCatalog) ListChecksums(_ context.Context, _, channel string) ([]string, error) {
	c.log.add("list " + channel)
	return c.checksums, c.listErr
}

func (c *fakeCatalog) Logout(context.Context, string) error {
	c.log.add("logout")
	return nil
}

type fakeRepo struct {
	log       *eventLog
	dir       string
	index     []byte
	inRelease []byte
}

func (r *fakeRepo) FetchIndex(_ context.Context, repoURL string) (*Index, error) {
	r.log.add("fetch " + repoURL)
	f, err := os.CreateTemp(r.dir, "Packages-*.gz")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := apt.CopyWithFileInfo(f, bytes.NewReader(r.index))
	if err != nil {
		return nil, err
	}
	return &Index{
		URL:         repoURL + "Packages.gz",
		Path:        f.Name(),
		Compression: apt.CompressionGZIP,
		Info:        fi,
	}, nil
}

func (r *fakeRepo) FetchInRelease(_ context.Context, suiteURL string) ([]byte, error) {
	r.log.add("inrelease " + suiteURL)
	if r.inRelease == nil {
		return nil, errors.Mark(errors.New("404"), ErrIndexFetch)
	}
	return r.inRelease, nil
}

func (r *fakeRepo) Download(_ context.Context, fileURL, dst string, _ apt.Checksums) error {
	r.log.add("download " + fileURL)
	return os.WriteFile(dst, []byte(fileURL), 0600)
}

type fakeUploader struct {
	log    *eventLog
	failOn int // 1-based upload attempt that fails; 0 never fails
	count  int
}

func (u *fakeUploader) Upload(_ context.Context, path string) error {
	u.count++
	u.log.add("upload " + filepath.Base(path))
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if u.count == u.failOn {
		return errors.Mark(&UploadError{Command: "rhnpush " + path, Err: errors.New("exit status 1")}, ErrUpload)
	}
	return nil
}

type syncerFixture struct {
	config   *Config
	log      *eventLog
	catalog  *fakeCatalog
	repo     *fakeRepo
	uploader *fakeUploader
}

func newSyncerFixture(t *testing.T) *syncerFixture {
	t.Helper()
	config := validConfig(t)
	config.URL = jammyURL
	if err := config.Check(); err != nil {
		t.Fatal(err)
	}
	log := &eventLog{}
	return &syncerFixture{
		config:   config,
		log:      log,
		catalog:  &fakeCatalog{log: log},
		repo:     &fakeRepo{log: log, dir: config.ScratchDir, index: gzipData(t, testPackages)},
		uploader: &fakeUploader{log: log},
	}
}

func (f *syncerFixture) run(t *testing.T) (*Result, error) {
	t.Helper()
	s, err := NewSyncer(f.config, f.catalog, f.repo, f.uploader)
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.Run(context.Background())
	if result == nil {
		t.Fatal("Run returned a nil Result")
	}
	if result.State != s.State() {
		t.Errorf("Result.State = %v, Syncer.State() = %v", result.State, s.State())
	}
	return result, err
}

func (f *syncerFixture) downloads() []string {
	var urls []string
	for _, e := range f.log.list() {
		if u, ok := strings.CutPrefix(e, "download "); ok {
			urls = append(urls, u)
		}
	}
	return urls
}

func scratchEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSyncerRun(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.catalog.checksums = []string{"2222222222222222222222222222222222222222222222222222222222222222"}

	result, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateDone {
		t.Errorf("State = %v, want Done", result.State)
	}
	if result.Plan.Total != 3 || result.Plan.AlreadySynced != 1 {
		t.Errorf("Plan = %+v", result.Plan)
	}
	if result.Synced != 2 || result.FailedAt != -1 {
		t.Errorf("Synced = %d, FailedAt = %d", result.Synced, result.FailedAt)
	}

	wantDownloads := []string{
		"http://archive.ubuntu.com/ubuntu/pool/main/g/glibc/libc6_2.35-0ubuntu3_amd64.deb",
		"http://archive.ubuntu.com/ubuntu/pool/main/n/nano/nano_6.2-1_amd64.deb",
	}
	if got := f.downloads(); !reflect.DeepEqual(got, wantDownloads) {
		t.Errorf("downloads = %v, want %v", got, wantDownloads)
	}

	// the session is closed before any package is downloaded
	logout := f.log.index("logout")
	firstDownload := f.log.index("download " + wantDownloads[0])
	if logout < 0 || logout > firstDownload {
		t.Errorf("logout at %d, first download at %d: %v", logout, firstDownload, f.log.list())
	}

	// only the Multi-Arch report is left in the scratch directory
	want := []string{"multiarch-jammy-main.txt"}
	if got := scratchEntries(t, f.config.ScratchDir); !reflect.DeepEqual(got, want) {
		t.Errorf("scratch dir = %v, want %v", got, want)
	}
	if result.MultiArch != 1 {
		t.Errorf("MultiArch = %d, want 1", result.MultiArch)
	}
	report, err := os.ReadFile(f.config.MultiArchReportPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(report) != "libc6 2.35-0ubuntu3 amd64 same\n" {
		t.Errorf("report = %q", report)
	}
}

func TestSyncerStopsAtFirstUploadFailure(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.uploader.failOn = 2

	result, err := f.run(t)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want ErrUpload", err)
	}
	var uploadErr *UploadError
	if !errors.As(err, &uploadErr) {
		t.Errorf("err = %v, want *UploadError", err)
	}
	if result.State != StateFailed {
		t.Errorf("State = %v, want Failed", result.State)
	}
	if result.Synced != 1 {
		t.Errorf("Synced = %d, want 1", result.Synced)
	}
	if result.FailedAt != 1 {
		t.Errorf("FailedAt = %d, want 1", result.FailedAt)
	}
	if f.uploader.count != 2 {
		t.Errorf("upload attempts = %d, want 2", f.uploader.count)
	}
	for _, u := range f.downloads() {
		if strings.Contains(u, "nano") {
			t.Errorf("third package was downloaded: %s", u)
		}
	}
	if got := scratchEntries(t, f.config.ScratchDir); len(got) != 1 {
		t.Errorf("scratch dir = %v, want only the report", got)
	}
}

func TestSyncerRejectsTamperedPackage(t *testing.T) {
	t.Parallel()

	index := "Package: good\nVersion: 1.0\nArchitecture: amd64\n" +
		"Filename: pool/main/g/good/good_1.0_amd64.deb\n" +
		"SHA256: " + sha256Hex("good package") + "\n"
	srv := repoServer(t, map[string][]byte{
		"/ubuntu/dists/jammy/main/binary-amd64/Packages.gz": gzipData(t, index),
		"/ubuntu/pool/main/g/good/good_1.0_amd64.deb":       []byte("TAMPERED bytes"),
	})
	repo, _ := newTestHTTPClient(t)

	f := newSyncerFixture(t)
	f.config.URL = srv.URL + "/ubuntu/dists/jammy/main/binary-amd64/"
	s, err := NewSyncer(f.config, f.catalog, repo, f.uploader)
	if err != nil {
		t.Fatal(err)
	}

	result, err := s.Run(context.Background())
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("err = %v, want ErrDownload", err)
	}
	if result.State != StateFailed {
		t.Errorf("State = %v, want Failed", result.State)
	}
	if result.Synced != 0 || result.FailedAt != 0 {
		t.Errorf("Synced = %d, FailedAt = %d", result.Synced, result.FailedAt)
	}
	if f.uploader.count != 0 {
		t.Errorf("upload attempts = %d, want 0", f.uploader.count)
	}
	if got := scratchEntries(t, f.config.ScratchDir); len(got) != 1 {
		t.Errorf("scratch dir = %v, want only the report", got)
	}
}

func TestSyncerNoRepoRoot(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.config.URL = "http://packages.example.com/apt/dists/stable/main/binary-amd64/"

	result, err := f.run(t)
	if !errors.Is(err, ErrNoRepoRoot) {
		t.Fatalf("err = %v, want ErrNoRepoRoot", err)
	}
	if result.State != StateFailed {
		t.Errorf("State = %v, want Failed", result.State)
	}
	if result.Plan == nil || len(result.Plan.ToSync) != 3 {
		t.Errorf("Plan = %+v, want 3 packages to sync", result.Plan)
	}
	if got := f.downloads(); len(got) != 0 {
		t.Errorf("downloads = %v, want none", got)
	}
	if f.uploader.count != 0 {
		t.Errorf("upload attempts = %d, want 0", f.uploader.count)
	}
}

func TestSyncerNothingToSync(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.catalog.checksums = []string{
		"1111111111111111111111111111111111111111111111111111111111111111",
		"22222222222222222222222222222222",
		"3333333333333333333333333333333333333333333333333333333333333333",
	}

	result, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateDone || result.Synced != 0 {
		t.Errorf("State = %v, Synced = %d", result.State, result.Synced)
	}
	if result.Plan.AlreadySynced != 3 {
		t.Errorf("AlreadySynced = %d, want 3", result.Plan.AlreadySynced)
	}
}

func TestSyncerDryRun(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.config.DryRun = true

	result, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateDone {
		t.Errorf("State = %v, want Done", result.State)
	}
	if len(result.Plan.ToSync) != 3 {
		t.Errorf("ToSync = %v", result.Plan.Filenames())
	}
	if len(f.downloads()) != 0 || f.uploader.count != 0 {
		t.Errorf("dry run touched packages: %v", f.log.list())
	}
}

func TestSyncerFilters(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.config.Filters = &PackageFilters{ExcludePatterns: []string{"libc*"}}

	result, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if result.Plan.Filtered != 1 || result.Synced != 2 {
		t.Errorf("Filtered = %d, Synced = %d", result.Plan.Filtered, result.Synced)
	}
}

func TestSyncerLoginFailure(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.catalog.loginErr = errors.Mark(errors.New("bad credentials"), ErrAuth)

	result, err := f.run(t)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if result.State != StateInit {
		t.Errorf("State = %v, want Init", result.State)
	}
	if got := f.log.list(); !reflect.DeepEqual(got, []string{"login admin"}) {
		t.Errorf("events = %v", got)
	}
}

func TestSyncerListFailureLogsOut(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.catalog.listErr = errors.Mark(errors.New("no such channel"), ErrCatalog)

	result, err := f.run(t)
	if !errors.Is(err, ErrCatalog) {
		t.Fatalf("err = %v, want ErrCatalog", err)
	}
	if result.State != StateAuthenticated {
		t.Errorf("State = %v, want Authenticated", result.State)
	}
	if f.log.index("logout") < 0 {
		t.Errorf("session was not closed: %v", f.log.list())
	}
}

func TestSyncerParseFailure(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	f.repo.index = []byte("not gzip")

	result, err := f.run(t)
	if !errors.Is(err, apt.ErrParse) {
		t.Fatalf("err = %v, want apt.ErrParse", err)
	}
	if result.State != StateIndexFetched {
		t.Errorf("State = %v, want IndexFetched", result.State)
	}
}

func signedInRelease(t *testing.T, index []byte) (armoredKey, inRelease []byte) {
	t.Helper()
	pgp := crypto.PGP()
	key, err := pgp.KeyGeneration().AddUserId("archive", "archive@example.com").New().GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := pgp.Sign().SigningKey(key).New()
	if err != nil {
		t.Fatal(err)
	}

	fi, err := apt.CopyWithFileInfo(&bytes.Buffer{}, bytes.NewReader(index))
	if err != nil {
		t.Fatal(err)
	}
	body := "Origin: Ubuntu\nSuite: jammy\nCodename: jammy\nSHA256:\n" +
		" " + fi.SHA256() + " " + strconv.FormatUint(fi.Size(), 10) + " main/binary-amd64/Packages.gz\n"
	signed, err := signer.SignCleartext([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return []byte(armored), signed
}

func TestSyncerVerifiesIndex(t *testing.T) {
	t.Parallel()

	f := newSyncerFixture(t)
	key, inRelease := signedInRelease(t, f.repo.index)
	keyring := filepath.Join(t.TempDir(), "archive.asc")
	if err := os.WriteFile(keyring, key, 0600); err != nil {
		t.Fatal(err)
	}
	f.config.Keyring = keyring
	f.repo.inRelease = inRelease

	result, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateDone {
		t.Errorf("State = %v, want Done", result.State)
	}
	if f.log.index("inrelease http://archive.ubuntu.com/ubuntu/dists/jammy/") < 0 {
		t.Errorf("InRelease was not fetched: %v", f.log.list())
	}

	// an index that does not match the signed Release is rejected
	f2 := newSyncerFixture(t)
	f2.repo.index = gzipData(t, testPackages+"\nPackage: evil\nFilename: pool/evil.deb\n")
	f2.config.Keyring = keyring
	f2.repo.inRelease = inRelease

	result, err = f2.run(t)
	if !errors.Is(err, apt.ErrSignature) {
		t.Fatalf("err = %v, want apt.ErrSignature", err)
	}
	if result.State != StateAuthenticated {
		t.Errorf("State = %v, want Authenticated", result.State)
	}
	if got := scratchEntries(t, f2.config.ScratchDir); len(got) != 0 {
		t.Errorf("rejected index left files behind: %v", got)
	}
}
