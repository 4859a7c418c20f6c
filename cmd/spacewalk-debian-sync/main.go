// Package main implements the spacewalk-debian-sync command-line tool for
// pushing Debian/Ubuntu repository packages into a Spacewalk channel.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mirrorctl/debsync/internal/debsync"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usageText = `Usage: spacewalk-debian-sync --url=REPO_URL --channel=SATELLITE_CHANNEL --username=SATELLITE_USER --password=SATELLITE_PASS [--satellite_url=SATELLITE_URL]
Usage: spacewalk-debian-sync -r REPO_URL -c SATELLITE_CHANNEL -u SATELLITE_USER -p SATELLITE_PASS [-s SATELLITE_URL]
`

// options holds the raw command-line values before they are merged
// into a debsync.Config.
type options struct {
	url          string
	channel      string
	username     string
	password     string
	satelliteURL string

	configPath    string
	logLevel      string
	scratchDir    string
	keyring       string
	quiet         bool
	verboseErrors bool
	dryRun        bool
	progress      bool
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "spacewalk-debian-sync",
		Short: "Upload missing Debian/Ubuntu repository packages to a Spacewalk channel",
		Long: `spacewalk-debian-sync compares the Packages index of a Debian or Ubuntu
repository with the packages already in a Spacewalk channel and uploads
the missing ones with rhnpush.

Usage:
  # Sync the main component of Ubuntu jammy into a channel
  spacewalk-debian-sync -r http://archive.ubuntu.com/ubuntu/dists/jammy/main/binary-amd64/ \
      -c jammy-main -u admin -p secret -s https://spacewalk.example.com

  # Show what would be uploaded
  spacewalk-debian-sync --config /etc/debsync.toml --dry-run`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return errors.Mark(errors.Newf("unexpected arguments: %v", args), debsync.ErrUsage)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.Flags(), opts)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stdout)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Mark(err, debsync.ErrUsage)
	})

	flags := cmd.Flags()
	flags.StringVarP(&opts.url, "url", "r", "", "repository index directory URL (containing Packages.gz)")
	flags.StringVarP(&opts.channel, "channel", "c", "", "target channel label")
	flags.StringVarP(&opts.username, "username", "u", "", "catalog user")
	flags.StringVarP(&opts.password, "password", "p", "", "catalog password")
	flags.StringVarP(&opts.satelliteURL, "satellite_url", "s", "", "catalog server base URL (default https://localhost)")

	flags.StringVar(&opts.configPath, "config", "", "optional TOML configuration file")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&opts.scratchDir, "scratch-dir", "", "directory for downloads and the multi-arch report")
	flags.StringVar(&opts.keyring, "keyring", "", "armored PGP public key used to verify InRelease")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except for errors")
	flags.BoolVar(&opts.verboseErrors, "verbose-errors", false, "show detailed error information including stack traces")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "compute the sync plan without downloading or uploading")
	flags.BoolVar(&opts.progress, "progress", false, "show a progress bar while uploading")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information including build details",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spacewalk-debian-sync %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "built: %s\n", buildDate)
		},
	})
	return cmd
}

// buildConfig merges defaults, the config file, the environment and
// the flags that were set, in that order.
func buildConfig(flags *pflag.FlagSet, opts *options) (*debsync.Config, error) {
	config := debsync.NewConfig()
	if opts.configPath != "" {
		if err := config.LoadFile(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	strs := map[string]struct {
		dst *string
		src string
	}{
		"url":           {&config.URL, opts.url},
		"channel":       {&config.Channel, opts.channel},
		"username":      {&config.Username, opts.username},
		"password":      {&config.Password, opts.password},
		"satellite_url": {&config.SatelliteURL, opts.satelliteURL},
		"scratch-dir":   {&config.ScratchDir, opts.scratchDir},
		"keyring":       {&config.Keyring, opts.keyring},
		"log-level":     {&config.Log.Level, opts.logLevel},
	}
	for name, f := range strs {
		if flags.Changed(name) {
			*f.dst = f.src
		}
	}
	if flags.Changed("progress") {
		config.Progress = opts.progress
	}
	if opts.quiet {
		config.Log.Level = "error"
	}
	config.DryRun = opts.dryRun

	if err := config.Check(); err != nil {
		return nil, err
	}
	return config, nil
}

func run(ctx context.Context, flags *pflag.FlagSet, opts *options) error {
	config, err := buildConfig(flags, opts)
	if err != nil {
		return err
	}
	if err := config.Log.Apply(); err != nil {
		return errors.Mark(err, debsync.ErrUsage)
	}

	catalog, err := debsync.NewCatalogClient(config.SatelliteURL, &config.TLS)
	if err != nil {
		return err
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			slog.Debug("failed to close catalog client", "error", err)
		}
	}()

	repo, err := debsync.NewHTTPClient(&config.TLS, config.ScratchDir)
	if err != nil {
		return err
	}

	syncer, err := debsync.NewSyncer(config, catalog, repo, debsync.NewRHNPush(config))
	if err != nil {
		return err
	}
	_, err = syncer.Run(ctx)
	return err
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	var uploadErr *debsync.UploadError
	if errors.As(err, &uploadErr) {
		return uploadErr.Error()
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// exitCode maps an error from execute to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, debsync.ErrUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

// execute runs the command with args and reports errors on stdout.
func execute(args []string, stdout io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())

	code := exitCode(err)
	switch code {
	case exitOK:
	case exitUsage:
		fmt.Fprintf(stdout, "ERROR: %v\n", err)
		fmt.Fprint(stdout, usageText)
	default:
		verbose, _ := cmd.Flags().GetBool("verbose-errors")
		fmt.Fprintf(stdout, "ERROR: %s\n", formatError(err, verbose))
	}
	return code
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout))
}
