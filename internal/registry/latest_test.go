package registry

import (
	"testing"
	"time"

	"github.com/pubvault/pubvault/pkg/types"
	"github.com/stretchr/testify/assert"
)

func version(v string, retracted bool, sdk string) *types.PackageVersion {
	row := &types.PackageVersion{
		Version:     v,
		IsRetracted: retracted,
		CreatedAt:   time.Now(),
		Pubspec:     types.JSONMap{},
	}
	if sdk != "" {
		row.Pubspec["environment"] = map[string]interface{}{"sdk": sdk}
	}
	return row
}

func TestComputeLatest_NewestStable(t *testing.T) {
	latest, pre := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", false, ""),
		version("1.2.0", false, ""),
		version("1.1.0", false, ""),
	}, "3.0.0")

	assert.Equal(t, "1.2.0", latest)
	assert.Equal(t, "1.2.0", pre)
}

func TestComputeLatest_PrereleaseAboveStable(t *testing.T) {
	latest, pre := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", false, ""),
		version("2.0.0-dev.1", false, ""),
	}, "3.0.0")

	assert.Equal(t, "1.0.0", latest)
	assert.Equal(t, "2.0.0-dev.1", pre)
}

func TestComputeLatest_OnlyPrereleases(t *testing.T) {
	latest, pre := ComputeLatest([]*types.PackageVersion{
		version("1.0.0-dev.1", false, ""),
		version("1.0.0-dev.2", false, ""),
	}, "3.0.0")

	assert.Equal(t, "1.0.0-dev.2", latest)
	assert.Equal(t, "1.0.0-dev.2", pre)
}

func TestComputeLatest_SkipsRetracted(t *testing.T) {
	latest, _ := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", false, ""),
		version("2.0.0", true, ""),
	}, "3.0.0")

	assert.Equal(t, "1.0.0", latest)
}

func TestComputeLatest_AllRetracted(t *testing.T) {
	latest, pre := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", true, ""),
	}, "3.0.0")

	assert.Empty(t, latest)
	assert.Empty(t, pre)
}

func TestComputeLatest_SDKIncompatibleSkipped(t *testing.T) {
	// 2.0.0 requires a newer SDK than the default; 1.0.0 wins latest.
	latest, _ := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", false, ">=2.12.0 <4.0.0"),
		version("2.0.0", false, ">=4.0.0 <5.0.0"),
	}, "3.0.0")

	assert.Equal(t, "1.0.0", latest)
}

func TestComputeLatest_AllIncompatibleFallsBack(t *testing.T) {
	latest, _ := ComputeLatest([]*types.PackageVersion{
		version("1.0.0", false, ">=4.0.0"),
		version("2.0.0", false, ">=4.0.0"),
	}, "3.0.0")

	// No compatible stable exists; newest stable still wins.
	assert.Equal(t, "2.0.0", latest)
}

func TestSimilarityKey(t *testing.T) {
	cases := map[string]string{
		"my_package": "mypackage",
		"MyPackage":  "mypackage",
		"my_packag3": "mypackage",
		"c00l_lib":   "coolllb",
		"w1dget":     "wldget",
		"widget":     "wldget", // i folds to l
	}

	for input, expected := range cases {
		assert.Equal(t, expected, SimilarityKey(input), input)
	}
}
