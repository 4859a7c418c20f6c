package debsync

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds TLS settings shared by the repository and catalog clients.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version"`
	MaxVersion         string   `toml:"max_version"`
	CACertFile         string   `toml:"ca_cert_file"`
	ClientCertFile     string   `toml:"client_cert_file"`
	ClientKeyFile      string   `toml:"client_key_file"`
	ServerName         string   `toml:"server_name"`
	CipherSuites       []string `toml:"cipher_suites"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.Newf("unsupported TLS version %q (use 1.2 or 1.3)", v)
	}
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	for _, s := range tls.InsecureCipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}

// Validate checks the TLS settings without reading any files.
func (t *TLSConfig) Validate() error {
	var minVersion, maxVersion uint16
	var err error
	if t.MinVersion != "" {
		if minVersion, err = parseTLSVersion(t.MinVersion); err != nil {
			return errors.Wrap(err, "min_version")
		}
	}
	if t.MaxVersion != "" {
		if maxVersion, err = parseTLSVersion(t.MaxVersion); err != nil {
			return errors.Wrap(err, "max_version")
		}
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range t.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.Newf("unknown cipher suite %q", name)
		}
	}
	return nil
}

// BuildTLSConfig returns a *tls.Config for the settings.
// The minimum version defaults to TLS 1.2.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - opt-in for self-signed catalog servers
	}
	if t.MinVersion != "" {
		cfg.MinVersion, _ = parseTLSVersion(t.MinVersion)
	}
	if t.MaxVersion != "" {
		cfg.MaxVersion, _ = parseTLSVersion(t.MaxVersion)
	}
	for _, name := range t.CipherSuites {
		id, _ := cipherSuiteID(name)
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read CA certificate %s", t.CACertFile)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("no certificates found in %s", t.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
