package debsync

import (
	"log/slog"

	"github.com/mirrorctl/debsync/internal/apt"
)

// KnownChecksums is the set of checksums the catalog already has.
// The algorithm of each value is not known and does not matter.
type KnownChecksums map[string]struct{}

// NewKnownChecksums builds a set from values, skipping empty strings.
func NewKnownChecksums(values []string) KnownChecksums {
	known := make(KnownChecksums, len(values))
	for _, v := range values {
		if v != "" {
			known[v] = struct{}{}
		}
	}
	return known
}

// Contains returns true if any checksum of rec is in the set.
// A record without checksums never matches.
func (k KnownChecksums) Contains(rec *apt.PackageRecord) bool {
	for _, v := range rec.Checksums.Values() {
		if _, ok := k[v]; ok {
			return true
		}
	}
	return false
}

// SyncPlan partitions an index into packages to upload and packages the
// catalog already has.
type SyncPlan struct {
	// ToSync keeps index order.
	ToSync        []*apt.PackageRecord
	Total         int
	AlreadySynced int
	Invalid       int
	Filtered      int
}

// Filenames returns the Filename of every package to sync.
func (p *SyncPlan) Filenames() []string {
	names := make([]string, len(p.ToSync))
	for i, rec := range p.ToSync {
		names[i] = rec.Filename
	}
	return names
}

// DiffEngine builds a SyncPlan from records fed one at a time.
type DiffEngine struct {
	known KnownChecksums
	plan  SyncPlan
}

// NewDiffEngine returns a DiffEngine comparing against known.
func NewDiffEngine(known KnownChecksums) *DiffEngine {
	return &DiffEngine{known: known}
}

// Add classifies one record.
func (d *DiffEngine) Add(rec *apt.PackageRecord) {
	d.plan.Total++
	if err := rec.Validate(); err != nil {
		slog.Warn("skipping package record", "package", rec.Name, "error", err)
		d.plan.Invalid++
		return
	}
	if d.known.Contains(rec) {
		d.plan.AlreadySynced++
		return
	}
	if !rec.HasChecksum() {
		slog.Debug("package has no checksum", "package", rec.Name, "filename", rec.Filename)
	}
	d.plan.ToSync = append(d.plan.ToSync, rec)
}

// Plan returns the plan built so far.
func (d *DiffEngine) Plan() *SyncPlan {
	plan := d.plan
	plan.ToSync = append([]*apt.PackageRecord(nil), d.plan.ToSync...)
	return &plan
}

// Diff classifies records against known.
func Diff(records []*apt.PackageRecord, known KnownChecksums) *SyncPlan {
	d := NewDiffEngine(known)
	for _, rec := range records {
		d.Add(rec)
	}
	return d.Plan()
}
