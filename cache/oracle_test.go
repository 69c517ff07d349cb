package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/martinal/instant/cache"
)

func writeArtifact(t *testing.T, dir, module, content string) string {
	t.Helper()
	path := cache.SlotPaths(dir, module).Artifact()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestOracle_RecordThenCheck(t *testing.T) {
	dir := t.TempDir()
	o := cache.NewOracle()
	h1 := cache.ComputeFingerprint("h1", nil)
	h2 := cache.ComputeFingerprint("h2", nil)

	if !o.IsStale(dir, "m1", h1) {
		t.Fatal("empty slot reported fresh")
	}

	artifact := writeArtifact(t, dir, "m1", "elf")
	if err := o.Record(dir, "m1", h1, artifact, "build-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if o.IsStale(dir, "m1", h1) {
		t.Error("slot stale for the recorded fingerprint")
	}
	if !o.IsStale(dir, "m1", h2) {
		t.Error("slot fresh for a different fingerprint")
	}

	rec, err := o.Lookup(dir, "m1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Fingerprint != h1 || rec.BuildID != "build-1" || rec.ArtifactSize != 3 {
		t.Errorf("record = %+v", rec)
	}
	if filepath.IsAbs(rec.Artifact) {
		t.Errorf("Artifact = %q, want relative to the cache dir", rec.Artifact)
	}
	if rec.ArtifactPath(dir) != artifact {
		t.Errorf("ArtifactPath = %q, want %q", rec.ArtifactPath(dir), artifact)
	}
}

func TestOracle_FailsTowardStale(t *testing.T) {
	fp := cache.ComputeFingerprint("h1", nil)

	tests := []struct {
		name   string
		mangle func(t *testing.T, dir string)
	}{
		{"corrupt record", func(t *testing.T, dir string) {
			os.WriteFile(cache.SlotPaths(dir, "m1").Record(), []byte("\xc1garbage"), 0o644) //nolint:errcheck
		}},
		{"truncated record", func(t *testing.T, dir string) {
			path := cache.SlotPaths(dir, "m1").Record()
			b, _ := os.ReadFile(path)
			os.WriteFile(path, b[:len(b)/2], 0o644) //nolint:errcheck
		}},
		{"artifact deleted", func(t *testing.T, dir string) {
			os.Remove(cache.SlotPaths(dir, "m1").Artifact()) //nolint:errcheck
		}},
		{"artifact replaced", func(t *testing.T, dir string) {
			writeArtifact(t, dir, "m1", "a different, longer artifact")
		}},
		{"empty record", func(t *testing.T, dir string) {
			os.WriteFile(cache.SlotPaths(dir, "m1").Record(), nil, 0o644) //nolint:errcheck
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			o := cache.NewOracle()
			if err := o.Record(dir, "m1", fp, writeArtifact(t, dir, "m1", "elf"), ""); err != nil {
				t.Fatalf("Record: %v", err)
			}
			tt.mangle(t, dir)

			_, stale, reason := o.Check(dir, "m1", fp)
			if !stale {
				t.Fatal("mangled slot reported fresh")
			}
			if !errors.Is(reason, cache.ErrStaleRecord) {
				t.Errorf("reason = %v, want ErrStaleRecord", reason)
			}
		})
	}
}

func TestOracle_RecordForeignModule(t *testing.T) {
	dir := t.TempDir()
	o := cache.NewOracle()
	fp := cache.ComputeFingerprint("h1", nil)
	if err := o.Record(dir, "m2", fp, writeArtifact(t, dir, "m2", "elf"), ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Copy m2's sidecar into m1's slot.
	b, err := os.ReadFile(cache.SlotPaths(dir, "m2").Record())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cache.SlotPaths(dir, "m1").Record(), b, 0o644); err != nil {
		t.Fatal(err)
	}
	writeArtifact(t, dir, "m1", "elf")
	if !o.IsStale(dir, "m1", fp) {
		t.Error("slot trusted a record written for another module")
	}
}

func TestOracle_RecordRejectsMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	o := cache.NewOracle()
	fp := cache.ComputeFingerprint("h1", nil)

	if err := o.Record(dir, "m1", fp, filepath.Join(dir, "nope.so"), ""); err == nil {
		t.Error("Record accepted a missing artifact")
	}
	empty := writeArtifact(t, dir, "m1", "")
	if err := o.Record(dir, "m1", fp, empty, ""); err == nil {
		t.Error("Record accepted an empty artifact")
	}
	if _, err := os.Stat(cache.SlotPaths(dir, "m1").Record()); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected Record left a sidecar behind")
	}
}

func TestOracle_Forget(t *testing.T) {
	dir := t.TempDir()
	o := cache.NewOracle()
	fp := cache.ComputeFingerprint("h1", nil)
	if err := o.Record(dir, "m1", fp, writeArtifact(t, dir, "m1", "elf"), ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := o.Forget(dir, "m1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !o.IsStale(dir, "m1", fp) {
		t.Error("slot fresh after Forget")
	}
	if err := o.Forget(dir, "m1"); err != nil {
		t.Errorf("Forget of missing record: %v", err)
	}
}
