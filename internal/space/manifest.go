package space

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/version"
)

// Requirement pins one dependency of a hosted space, as in "waypost==0.4.1".
type Requirement struct {
	Name    string
	Version string
}

// Manifest is a parsed plain-text dependency list. One requirement per
// line; blank lines and lines starting with # are ignored.
type Manifest struct {
	Requirements []Requirement
}

// ParseManifest parses manifest text. Each non-comment line must be
// name==version with no duplicate names.
func ParseManifest(content string) (Manifest, error) {
	var manifest Manifest
	seen := make(map[string]bool)

	for i, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, pinned, ok := strings.Cut(line, "==")
		if !ok {
			return Manifest{}, manifestLineError(i+1, "expected name==version")
		}
		name = strings.TrimSpace(name)
		pinned = strings.TrimSpace(pinned)
		if err := validateRequirementName(name); err != nil {
			return Manifest{}, manifestLineError(i+1, err.Error())
		}
		if pinned == "" || strings.ContainsFunc(pinned, unicode.IsSpace) {
			return Manifest{}, manifestLineError(i+1, fmt.Sprintf("invalid version for %s", name))
		}
		key := strings.ToLower(name)
		if seen[key] {
			return Manifest{}, manifestLineError(i+1, fmt.Sprintf("duplicate requirement %s", name))
		}
		seen[key] = true
		manifest.Requirements = append(manifest.Requirements, Requirement{Name: name, Version: pinned})
	}
	return manifest, nil
}

// DefaultManifest returns the manifest a fresh deployment serves: just the
// waypost client pinned at the server release.
func DefaultManifest() Manifest {
	return Manifest{Requirements: []Requirement{{Name: "waypost", Version: version.Server}}}
}

// Get returns the pinned version for name, matching case-insensitively.
func (m Manifest) Get(name string) (string, bool) {
	for _, req := range m.Requirements {
		if strings.EqualFold(req.Name, name) {
			return req.Version, true
		}
	}
	return "", false
}

// Pin returns a copy of the manifest with name pinned at version, replacing
// any existing pin for the same name.
func (m Manifest) Pin(name, version string) Manifest {
	pinned := Manifest{Requirements: make([]Requirement, 0, len(m.Requirements)+1)}
	replaced := false
	for _, req := range m.Requirements {
		if strings.EqualFold(req.Name, name) {
			pinned.Requirements = append(pinned.Requirements, Requirement{Name: req.Name, Version: version})
			replaced = true
			continue
		}
		pinned.Requirements = append(pinned.Requirements, req)
	}
	if !replaced {
		pinned.Requirements = append(pinned.Requirements, Requirement{Name: name, Version: version})
	}
	return pinned
}

// String renders the manifest in canonical form, sorted by name with one
// requirement per line.
func (m Manifest) String() string {
	reqs := make([]Requirement, len(m.Requirements))
	copy(reqs, m.Requirements)
	sort.Slice(reqs, func(i, j int) bool {
		return strings.ToLower(reqs[i].Name) < strings.ToLower(reqs[j].Name)
	})

	var b strings.Builder
	for _, req := range reqs {
		b.WriteString(req.Name)
		b.WriteString("==")
		b.WriteString(req.Version)
		b.WriteString("\n")
	}
	return b.String()
}

func validateRequirementName(name string) error {
	if name == "" {
		return fmt.Errorf("requirement name is required")
	}
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("invalid requirement name %q", name)
		}
	}
	return nil
}

func manifestLineError(line int, detail string) error {
	return apperrors.WithMetadata(apperrors.CodeSpaceManifestInvalid,
		fmt.Sprintf("manifest line %d: %s", line, detail),
		map[string]string{"line": strconv.Itoa(line)})
}
