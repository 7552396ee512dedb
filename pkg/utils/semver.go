package utils

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// CanonicalVersion parses a version string and re-emits its canonical form.
// The result is a fixed point: CanonicalVersion(CanonicalVersion(s)) ==
// CanonicalVersion(s). Strings whose canonical form is not stable under a
// second parse are rejected, so the result is safe to use as a version id.
func CanonicalVersion(version string) (string, error) {
	sv, err := semver.StrictNewVersion(version)
	if err != nil {
		return "", fmt.Errorf("invalid version %q: %w", version, err)
	}

	canonical := sv.String()
	again, err := semver.StrictNewVersion(canonical)
	if err != nil || again.String() != canonical {
		return "", fmt.Errorf("version %q has no stable canonical form", version)
	}

	return canonical, nil
}

// MustVersion parses a canonical version string that is known to be valid,
// e.g. one previously produced by CanonicalVersion.
func MustVersion(version string) *semver.Version {
	return semver.MustParse(version)
}

// SortVersionsAscending sorts the given version strings in ascending
// semantic versioning order (oldest first). Invalid versions are dropped.
func SortVersionsAscending(versions []string) []string {
	semverVersions := make([]*semver.Version, 0, len(versions))

	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		semverVersions = append(semverVersions, sv)
	}

	sort.Slice(semverVersions, func(i, j int) bool {
		return semverVersions[i].LessThan(semverVersions[j])
	})

	result := make([]string, len(semverVersions))
	for i, v := range semverVersions {
		result[i] = v.String()
	}

	return result
}

// IsPrerelease checks if a version is a prerelease version (e.g. beta, alpha, rc)
func IsPrerelease(version string) bool {
	sv, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	return sv.Prerelease() != ""
}

// CompareVersions compares two version strings according to semver rules
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	 2 if either version is invalid
func CompareVersions(v1, v2 string) int {
	sv1, err := semver.NewVersion(v1)
	if err != nil {
		return 2
	}

	sv2, err := semver.NewVersion(v2)
	if err != nil {
		return 2
	}

	if sv1.LessThan(sv2) {
		return -1
	}
	if sv1.Equal(sv2) {
		return 0
	}
	return 1
}
