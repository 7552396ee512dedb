package registry

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pubvault/pubvault/pkg/types"
)

// ComputeLatest derives the latest-stable and latest-prerelease references
// for a package from its non-retracted versions and the current default
// SDK version. Preference order for latest: newest stable compatible,
// newest stable, newest compatible, newest overall. The prerelease
// reference is the newest prerelease exceeding latest, else latest itself.
//
// Both results are canonical version strings; empty when no versions exist.
func ComputeLatest(versions []*types.PackageVersion, sdkVersion string) (latest, latestPrerelease string) {
	type candidate struct {
		row *types.PackageVersion
		sv  *semver.Version
	}

	sdk, sdkErr := semver.NewVersion(sdkVersion)

	var live []candidate
	for _, v := range versions {
		if v.IsRetracted {
			continue
		}
		sv, err := semver.NewVersion(v.Version)
		if err != nil {
			continue
		}
		live = append(live, candidate{row: v, sv: sv})
	}
	if len(live) == 0 {
		return "", ""
	}

	// Newest first; ties broken by publish time, then by version string.
	sort.Slice(live, func(i, j int) bool {
		if !live[i].sv.Equal(live[j].sv) {
			return live[i].sv.GreaterThan(live[j].sv)
		}
		if !live[i].row.CreatedAt.Equal(live[j].row.CreatedAt) {
			return live[i].row.CreatedAt.After(live[j].row.CreatedAt)
		}
		return live[i].row.Version > live[j].row.Version
	})

	compatible := func(c candidate) bool {
		if sdkErr != nil {
			return true
		}
		constraint := sdkConstraintOf(c.row)
		if constraint == nil {
			return true
		}
		return constraint.Check(sdk)
	}
	stable := func(c candidate) bool { return c.sv.Prerelease() == "" }

	pick := func(pred func(candidate) bool) *candidate {
		for i := range live {
			if pred(live[i]) {
				return &live[i]
			}
		}
		return nil
	}

	chosen := pick(func(c candidate) bool { return stable(c) && compatible(c) })
	if chosen == nil {
		chosen = pick(stable)
	}
	if chosen == nil {
		chosen = pick(compatible)
	}
	if chosen == nil {
		chosen = &live[0]
	}
	latest = chosen.row.Version

	// Newest prerelease above latest, if any.
	latestPrerelease = latest
	for i := range live {
		c := live[i]
		if c.sv.Prerelease() != "" && c.sv.GreaterThan(chosen.sv) {
			latestPrerelease = c.row.Version
			break
		}
	}

	return latest, latestPrerelease
}

// sdkConstraintOf extracts the SDK constraint from a stored pubspec.
// Returns nil when absent or unparsable (treated as compatible).
func sdkConstraintOf(v *types.PackageVersion) *semver.Constraints {
	env, ok := v.Pubspec["environment"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := env["sdk"].(string)
	if !ok || raw == "" {
		return nil
	}

	ps := types.Pubspec{Environment: map[string]string{"sdk": raw}}
	constraint, err := ps.SDKConstraint()
	if err != nil {
		return nil
	}
	return constraint
}
