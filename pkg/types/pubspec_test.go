package types

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSemver(t *testing.T, v string) *semver.Version {
	t.Helper()
	sv, err := semver.NewVersion(v)
	require.NoError(t, err)
	return sv
}

func TestParsePubspec_Basic(t *testing.T) {
	content := []byte(`
name: my_pkg
version: 1.2.3
description: A test package
environment:
  sdk: ">=2.12.0 <3.0.0"
dependencies:
  path: ^1.8.0
`)

	ps, err := ParsePubspec(content)
	require.NoError(t, err)

	assert.Equal(t, "my_pkg", ps.Name)
	assert.Equal(t, "1.2.3", ps.Version)
	assert.Equal(t, "A test package", ps.Description)
	assert.Equal(t, "my_pkg", ps.Raw["name"])
	assert.Contains(t, ps.Dependencies, "path")
}

func TestParsePubspec_MissingName(t *testing.T) {
	_, err := ParsePubspec([]byte("version: 1.0.0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestParsePubspec_MissingVersion(t *testing.T) {
	_, err := ParsePubspec([]byte("name: my_pkg\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestParsePubspec_DuplicateKeys(t *testing.T) {
	content := []byte(`
name: my_pkg
name: other_pkg
version: 1.0.0
`)

	_, err := ParsePubspec(content)
	assert.Error(t, err)
}

func TestParsePubspec_NotYAML(t *testing.T) {
	_, err := ParsePubspec([]byte("{{{{not yaml"))
	assert.Error(t, err)
}

func TestGitDependencies(t *testing.T) {
	content := []byte(`
name: my_pkg
version: 1.0.0
dependencies:
  path: ^1.8.0
  internal_tool:
    git:
      url: https://example.com/internal_tool.git
`)

	ps, err := ParsePubspec(content)
	require.NoError(t, err)

	deps := ps.GitDependencies()
	assert.Equal(t, []string{"internal_tool"}, deps)
}

func TestSDKConstraint_Range(t *testing.T) {
	ps := &Pubspec{Environment: map[string]string{"sdk": ">=2.12.0 <3.0.0"}}

	c, err := ps.SDKConstraint()
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.True(t, c.Check(mustSemver(t, "2.17.0")))
	assert.False(t, c.Check(mustSemver(t, "3.1.0")))
	assert.False(t, c.Check(mustSemver(t, "2.11.0")))
}

func TestSDKConstraint_SpacedOperator(t *testing.T) {
	ps := &Pubspec{Environment: map[string]string{"sdk": ">= 2.12.0 < 3.0.0"}}

	c, err := ps.SDKConstraint()
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.True(t, c.Check(mustSemver(t, "2.12.0")))
	assert.False(t, c.Check(mustSemver(t, "3.0.0")))
}

func TestSDKConstraint_Caret(t *testing.T) {
	ps := &Pubspec{Environment: map[string]string{"sdk": "^3.0.0"}}

	c, err := ps.SDKConstraint()
	require.NoError(t, err)
	assert.True(t, c.Check(mustSemver(t, "3.5.0")))
	assert.False(t, c.Check(mustSemver(t, "4.0.0")))
}

func TestSDKConstraint_Absent(t *testing.T) {
	ps := &Pubspec{}

	c, err := ps.SDKConstraint()
	require.NoError(t, err)
	assert.Nil(t, c)
}
