package debsync

import (
	"log/slog"
	"path/filepath"
	"sort"

	version "github.com/knqyf263/go-deb-version"

	"github.com/mirrorctl/debsync/internal/apt"
)

// applyPackageFilters drops records excluded by pattern and, when
// KeepVersions is set, all but the newest versions of each package name.
// The order of the remaining records is unchanged.
func applyPackageFilters(filters *PackageFilters, records []*apt.PackageRecord) []*apt.PackageRecord {
	if filters == nil {
		return records
	}

	slog.Debug("applying package filters",
		"keep_versions", filters.KeepVersions,
		"exclude_patterns", len(filters.ExcludePatterns),
		"total_items", len(records))

	packages := make(map[string][]*apt.PackageRecord)
	for _, rec := range records {
		if shouldExcludePackage(filters.ExcludePatterns, rec.Name, rec.Version) {
			slog.Debug("excluding package by pattern", "package", rec.Name, "version", rec.Version)
			continue
		}
		packages[rec.Name] = append(packages[rec.Name], rec)
	}

	keep := make(map[*apt.PackageRecord]bool)
	for name, versions := range packages {
		sort.SliceStable(versions, func(i, j int) bool {
			return versionGreater(versions[i].Version, versions[j].Version)
		})

		keepCount := len(versions)
		if filters.KeepVersions > 0 && filters.KeepVersions < len(versions) {
			keepCount = filters.KeepVersions
			slog.Debug("filtered package versions", "package", name,
				"total_versions", len(versions), "kept_versions", keepCount)
		}
		for _, rec := range versions[:keepCount] {
			keep[rec] = true
		}
	}

	filtered := make([]*apt.PackageRecord, 0, len(keep))
	for _, rec := range records {
		if keep[rec] {
			filtered = append(filtered, rec)
		}
	}

	slog.Info("package filtering complete",
		"total_packages", len(records), "kept_packages", len(filtered),
		"filtered_out", len(records)-len(filtered))
	return filtered
}

// versionGreater orders Debian versions, falling back to string
// comparison if either does not parse.
func versionGreater(a, b string) bool {
	v1, err1 := version.NewVersion(a)
	v2, err2 := version.NewVersion(b)
	if err1 != nil || err2 != nil {
		return a > b
	}
	return v1.GreaterThan(v2)
}

// shouldExcludePackage checks a package against glob patterns matched
// on its name, its version, and name_version.
func shouldExcludePackage(patterns []string, name, ver string) bool {
	fullName := name + "_" + ver
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, ver); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, fullName); matched {
			return true
		}
	}
	return false
}
