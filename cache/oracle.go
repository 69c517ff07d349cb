package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// recordSchema versions the sidecar format. A record with another schema is
// treated as stale.
const recordSchema uint16 = 1

// Record is the fingerprint sidecar persisted next to a built artifact.
type Record struct {
	Schema      uint16      `msgpack:"schema"`
	Module      string      `msgpack:"module"`
	Fingerprint Fingerprint `msgpack:"fingerprint"`
	// Artifact is relative to the cache directory when it lives inside it.
	Artifact     string    `msgpack:"artifact"`
	ArtifactSize int64     `msgpack:"artifact_size"`
	BuildID      string    `msgpack:"build_id,omitempty"`
	RecordedAt   time.Time `msgpack:"recorded_at"`
}

// ArtifactPath resolves the recorded artifact against dir.
func (r Record) ArtifactPath(dir string) string {
	if filepath.IsAbs(r.Artifact) {
		return r.Artifact
	}
	return filepath.Join(dir, r.Artifact)
}

// Oracle decides whether a slot may be reused. It fails toward rebuilding:
// anything it cannot verify counts as stale.
type Oracle struct {
	now func() time.Time
}

// NewOracle returns an Oracle.
func NewOracle() *Oracle {
	return &Oracle{now: time.Now}
}

// Lookup reads module's record and verifies that the artifact it names is
// still present with the recorded size. A missing, corrupt or unverifiable
// record yields a *StaleRecordError.
func (o *Oracle) Lookup(dir, module string) (Record, error) {
	path := SlotPaths(dir, module).Record()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, &StaleRecordError{Path: path, Reason: "no record"}
		}
		return Record{}, &StaleRecordError{Path: path, Reason: "unreadable", Err: err}
	}
	defer f.Close()

	var rec Record
	if err := msgpack.NewDecoder(f).Decode(&rec); err != nil {
		return Record{}, &StaleRecordError{Path: path, Reason: "corrupt", Err: err}
	}
	switch {
	case rec.Schema != recordSchema:
		return Record{}, &StaleRecordError{Path: path, Reason: fmt.Sprintf("schema %d, want %d", rec.Schema, recordSchema)}
	case rec.Module != module:
		return Record{}, &StaleRecordError{Path: path, Reason: fmt.Sprintf("recorded for module %q", rec.Module)}
	case rec.Fingerprint.IsZero() || rec.Artifact == "":
		return Record{}, &StaleRecordError{Path: path, Reason: "incomplete"}
	}

	info, err := os.Stat(rec.ArtifactPath(dir))
	if err != nil {
		return rec, &StaleRecordError{Path: path, Reason: "artifact missing", Err: err}
	}
	if !info.Mode().IsRegular() || info.Size() != rec.ArtifactSize {
		return rec, &StaleRecordError{Path: path, Reason: fmt.Sprintf("artifact size %d, recorded %d", info.Size(), rec.ArtifactSize)}
	}
	return rec, nil
}

// Check compares current against module's record. It returns the record (if
// one could be read), whether the slot is stale and, when the record itself
// was unusable, a *StaleRecordError explaining why. A mismatching but valid
// record is stale with a nil reason.
func (o *Oracle) Check(dir, module string, current Fingerprint) (Record, bool, error) {
	rec, err := o.Lookup(dir, module)
	if err != nil {
		return rec, true, err
	}
	return rec, rec.Fingerprint != current, nil
}

// IsStale reports whether module must be rebuilt for current.
func (o *Oracle) IsStale(dir, module string, current Fingerprint) bool {
	_, stale, _ := o.Check(dir, module, current)
	return stale
}

// Record persists fp as the fingerprint of artifact. Call it only after the
// artifact is completely written: the sidecar is the last file of a build to
// land, so a crash before this point leaves the slot stale. The write goes to
// a temporary file that is synced and renamed into place.
func (o *Oracle) Record(dir, module string, fp Fingerprint, artifact, buildID string) error {
	info, err := os.Stat(artifact)
	if err != nil {
		return fmt.Errorf("record %s: artifact: %w", module, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("record %s: artifact %s is empty or not a regular file", module, artifact)
	}

	rel := artifact
	if r, err := filepath.Rel(dir, artifact); err == nil && filepath.IsLocal(r) {
		rel = r
	}
	rec := Record{
		Schema:       recordSchema,
		Module:       module,
		Fingerprint:  fp,
		Artifact:     rel,
		ArtifactSize: info.Size(),
		BuildID:      buildID,
		RecordedAt:   o.now().UTC(),
	}
	return writeAtomic(SlotPaths(dir, module).Record(), func(f *os.File) error {
		return msgpack.NewEncoder(f).Encode(&rec)
	})
}

// Forget removes module's record so the slot reads as stale. Used before a
// rebuild starts, so that a crash mid-build can never leave the old record
// pointing at a half-written artifact.
func (o *Oracle) Forget(dir, module string) error {
	err := os.Remove(SlotPaths(dir, module).Record())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("forget %s: %w", module, err)
	}
	return nil
}

// writeAtomic writes path via a synced temp file in the same directory and
// an atomic rename.
func writeAtomic(path string, write func(f *os.File) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
