package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalVersion_Valid(t *testing.T) {
	cases := map[string]string{
		"1.2.3":           "1.2.3",
		"0.0.1":           "0.0.1",
		"1.0.0-dev":       "1.0.0-dev",
		"1.0.0-dev.2":     "1.0.0-dev.2",
		"2.0.0+build.5":   "2.0.0+build.5",
		"1.0.0-rc.1+b.12": "1.0.0-rc.1+b.12",
	}

	for input, expected := range cases {
		got, err := CanonicalVersion(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, got)
	}
}

func TestCanonicalVersion_FixedPoint(t *testing.T) {
	for _, v := range []string{"1.2.3", "1.0.0-dev.2", "3.1.4+build"} {
		canonical, err := CanonicalVersion(v)
		require.NoError(t, err)

		again, err := CanonicalVersion(canonical)
		require.NoError(t, err)
		assert.Equal(t, canonical, again)
	}
}

func TestCanonicalVersion_Invalid(t *testing.T) {
	for _, v := range []string{"", "1", "1.2", "v1.2.3", "01.2.3", "1.2.3.4", "banana"} {
		_, err := CanonicalVersion(v)
		assert.Error(t, err, v)
	}
}

func TestSortVersionsAscending(t *testing.T) {
	sorted := SortVersionsAscending([]string{
		"1.10.0", "1.2.0", "1.0.0-dev", "1.0.0", "0.9.0",
	})

	assert.Equal(t, []string{"0.9.0", "1.0.0-dev", "1.0.0", "1.2.0", "1.10.0"}, sorted)
}

func TestIsPrerelease(t *testing.T) {
	assert.True(t, IsPrerelease("1.0.0-dev"))
	assert.True(t, IsPrerelease("2.0.0-rc.1"))
	assert.False(t, IsPrerelease("1.0.0"))
	assert.False(t, IsPrerelease("2.0.0+build"))
}

func TestCompareVersions(t *testing.T) {
	assert.Negative(t, CompareVersions("1.0.0", "2.0.0"))
	assert.Positive(t, CompareVersions("1.10.0", "1.9.0"))
	assert.Zero(t, CompareVersions("1.0.0", "1.0.0"))
	assert.Negative(t, CompareVersions("1.0.0-dev", "1.0.0"))
}
