package toolchain

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// MinSwigVersion is the oldest swig release the generated interface files
// are written for.
const MinSwigVersion = ">= 3.0.0"

var swigVersionRE = regexp.MustCompile(`SWIG Version\s+(\S+)`)

// ParseSwigVersion extracts the version from `swig -version` output.
func ParseSwigVersion(out string) (*semver.Version, error) {
	m := swigVersionRE.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("no version in swig output %q", strings.TrimSpace(out))
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil, fmt.Errorf("swig version %q: %w", m[1], err)
	}
	return v, nil
}

// CheckSwigVersion reports an error when v does not satisfy MinSwigVersion.
func CheckSwigVersion(v *semver.Version) error {
	c, err := semver.NewConstraint(MinSwigVersion)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("swig %s is too old, need %s", v, MinSwigVersion)
	}
	return nil
}

type queryResult struct {
	out string
	err error
}

// queries memoizes tool queries for the life of the process. Toolchains do
// not change underneath a running program often enough to matter, and
// Describe is called on every build request.
var queries sync.Map // command line -> *queryResult

// query runs path with args and returns its trimmed combined output.
func query(ctx context.Context, path string, args ...string) (string, error) {
	key := path + "\x00" + strings.Join(args, "\x00")
	if r, ok := queries.Load(key); ok {
		res := r.(*queryResult)
		return res.out, res.err
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	res := &queryResult{out: strings.TrimSpace(string(out))}
	if err != nil {
		res.err = fmt.Errorf("%s %s: %w", path, strings.Join(args, " "), err)
	}
	// A cancelled query says nothing about the tool; don't remember it.
	if ctx.Err() == nil {
		queries.Store(key, res)
	}
	return res.out, res.err
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
