package buildinfo_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"

	"github.com/siftsearch/sift/buildinfo"
)

func TestBuildInfo(t *testing.T) {
	t.Parallel()

	t.Run("Version", func(t *testing.T) {
		t.Parallel()
		version := buildinfo.Version()
		require.True(t, semver.IsValid(version), "version %q is not valid semver", version)
		// A second call returns the cached value.
		require.Equal(t, version, buildinfo.Version())
	})

	t.Run("IsDev", func(t *testing.T) {
		t.Parallel()
		// Test binaries are never built with a release tag.
		require.True(t, buildinfo.IsDev())
	})
}
