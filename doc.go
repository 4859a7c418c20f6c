/*
Package debsync pushes Debian/Ubuntu repository packages into a Spacewalk
channel.

One run of spacewalk-debian-sync:
  - logs in to the Spacewalk XML-RPC API and lists the checksums the channel already holds
  - downloads the Packages index (gzip, or xz as a fallback) and optionally verifies it against a signed InRelease
  - writes a report of packages carrying a Multi-Arch field
  - downloads each missing package and uploads it with rhnpush, stopping at the first failure

The main packages are:

	github.com/mirrorctl/debsync/internal/apt                 - Packages/Release parsing and checksums
	github.com/mirrorctl/debsync/internal/debsync             - Catalog client, diff engine and sync driver
	github.com/mirrorctl/debsync/cmd/spacewalk-debian-sync    - Command-line interface
*/
package debsync
