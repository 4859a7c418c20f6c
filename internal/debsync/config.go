package debsync

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

const (
	defaultSatelliteURL = "https://localhost"
	defaultRHNPush      = "rhnpush"
	envPrefix           = "DEBSYNC_"
)

var validChannel = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// PackageFilters defines filtering rules for packages that need syncing.
type PackageFilters struct {
	KeepVersions    int      `toml:"keep_versions,omitempty"`
	ExcludePatterns []string `toml:"exclude_patterns,omitempty"`
}

// Config is the configuration of one sync run.
//
// It is assembled once at startup from defaults, an optional TOML file,
// DEBSYNC_* environment variables and command-line flags, and is not
// modified after Check succeeds.
type Config struct {
	URL          string `toml:"url"`
	Channel      string `toml:"channel"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	SatelliteURL string `toml:"satellite_url"`
	ScratchDir   string `toml:"scratch_dir"`
	RHNPush      string `toml:"rhnpush"`
	Keyring      string `toml:"keyring"`
	Progress     bool   `toml:"progress"`
	DryRun       bool   `toml:"-"`

	ExtraRootPatterns []string        `toml:"extra_root_patterns"`
	Filters           *PackageFilters `toml:"filters,omitempty"`
	Log               LogConfig       `toml:"log"`
	TLS               TLSConfig       `toml:"tls"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		SatelliteURL: defaultSatelliteURL,
		ScratchDir:   os.TempDir(),
		RHNPush:      defaultRHNPush,
	}
}

// LoadFile decodes a TOML configuration file into c.
// Keys that do not map to a Config field are rejected.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "failed to decode config file %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return errors.Newf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvironmentVariables overrides c with DEBSYNC_* variables.
// Empty variables are ignored.
func (c *Config) ApplyEnvironmentVariables() error {
	strs := map[string]*string{
		"URL":                  &c.URL,
		"CHANNEL":              &c.Channel,
		"USERNAME":             &c.Username,
		"PASSWORD":             &c.Password,
		"SATELLITE_URL":        &c.SatelliteURL,
		"SCRATCH_DIR":          &c.ScratchDir,
		"RHNPUSH":              &c.RHNPush,
		"KEYRING":              &c.Keyring,
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
		"TLS_MIN_VERSION":      &c.TLS.MinVersion,
		"TLS_MAX_VERSION":      &c.TLS.MaxVersion,
		"TLS_CA_CERT_FILE":     &c.TLS.CACertFile,
		"TLS_CLIENT_CERT_FILE": &c.TLS.ClientCertFile,
		"TLS_CLIENT_KEY_FILE":  &c.TLS.ClientKeyFile,
		"TLS_SERVER_NAME":      &c.TLS.ServerName,
	}
	for name, field := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}

	bools := map[string]*bool{
		"PROGRESS":                 &c.Progress,
		"TLS_INSECURE_SKIP_VERIFY": &c.TLS.InsecureSkipVerify,
	}
	for name, field := range bools {
		v := os.Getenv(envPrefix + name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean value for %s%s", envPrefix, name)
		}
		*field = b
	}

	if v := os.Getenv(envPrefix + "TLS_CIPHER_SUITES"); v != "" {
		var suites []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				suites = append(suites, s)
			}
		}
		c.TLS.CipherSuites = suites
	}
	return nil
}

// Check validates the configuration and normalizes the repository URL.
// Missing required settings are reported as usage errors.
func (c *Config) Check() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"url", c.URL},
		{"channel", c.Channel},
		{"username", c.Username},
		{"password", c.Password},
	} {
		if f.value == "" {
			missing = append(missing, "--"+f.name)
		}
	}
	if len(missing) > 0 {
		return errors.Mark(errors.Newf("missing required settings: %s", strings.Join(missing, ", ")), ErrUsage)
	}

	repoURL, err := normalizeURL(c.URL)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "url"), ErrUsage)
	}
	c.URL = repoURL

	if _, err := normalizeURL(c.SatelliteURL); err != nil {
		return errors.Mark(errors.Wrap(err, "satellite_url"), ErrUsage)
	}
	c.SatelliteURL = strings.TrimSuffix(c.SatelliteURL, "/")

	if !validChannel.MatchString(c.Channel) {
		return errors.Mark(errors.Newf("invalid channel label: %q", c.Channel), ErrUsage)
	}
	if c.ScratchDir == "" {
		return errors.New("scratch_dir is not set")
	}
	if !filepath.IsAbs(c.ScratchDir) {
		return errors.New("scratch_dir must be an absolute path")
	}
	if c.RHNPush == "" {
		return errors.New("rhnpush is not set")
	}
	if c.Filters != nil && c.Filters.KeepVersions < 0 {
		return errors.New("filters.keep_versions must not be negative")
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	return nil
}

// MultiArchReportPath returns the path of the Multi-Arch report for the
// configured channel. Concurrent runs for one channel share this file.
func (c *Config) MultiArchReportPath() string {
	return filepath.Join(c.ScratchDir, "multiarch-"+c.Channel+".txt")
}

// normalizeURL checks the scheme of s and appends a trailing slash so
// that relative names resolve beneath it.
func normalizeURL(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", errors.New("unsupported scheme: " + u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host: " + s)
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s, nil
}
