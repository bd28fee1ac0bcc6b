package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	assert.NotNil(t, info)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.GitCommit)
	assert.NotEmpty(t, info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestGetFullVersion(t *testing.T) {
	originalVersion := Version
	originalGitCommit := GitCommit
	defer func() {
		Version = originalVersion
		GitCommit = originalGitCommit
	}()

	Version = "v1.2.3"
	GitCommit = "abc123def456"

	result := GetFullVersion()
	assert.Contains(t, result, "v1.2.3")
	assert.Contains(t, result, "abc123def456")
	assert.Contains(t, result, "go")
}

func TestVersionConsistency(t *testing.T) {
	info := GetBuildInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, BuildDate, info.BuildDate)
	assert.Equal(t, GoVersion, info.GoVersion)
}
