package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		check string
		want  Category
	}{
		{"build", CategoryBuild},
		{"Compile / linux-amd64", CategoryBuild},
		{"typecheck", CategoryTypecheck},
		{"tsc", CategoryTypecheck},
		{"mypy-strict", CategoryTypecheck},
		{"golangci-lint", CategoryLint},
		{"eslint", CategoryLint},
		{"gofmt-check", CategoryFormat},
		{"prettier", CategoryFormat},
		{"unit-tests", CategoryTest},
		{"e2e / chrome", CategoryTest},
		{"CodeQL", CategorySecurity},
		{"npm-audit", CategorySecurity},
		{"mystery-check", CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.check, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.check))
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// "build-lint" matches the build pattern first.
	assert.Equal(t, CategoryBuild, Classify("build-lint"))
}

func TestFormatClassifiedErrorsOrdering(t *testing.T) {
	out := FormatClassifiedErrors([]string{"unit-tests", "golangci-lint", "compile"})

	buildIdx := strings.Index(out, "build failures")
	lintIdx := strings.Index(out, "lint failures")
	testIdx := strings.Index(out, "test failures")
	assert.Greater(t, buildIdx, -1)
	assert.Greater(t, lintIdx, buildIdx)
	assert.Greater(t, testIdx, lintIdx)

	assert.Contains(t, out, "- compile")
	assert.Contains(t, out, "Action:")
}

func TestFormatClassifiedErrorsEmpty(t *testing.T) {
	assert.Empty(t, FormatClassifiedErrors(nil))
}

func TestDominant(t *testing.T) {
	assert.Equal(t, CategoryTest, Dominant([]string{"unit-tests", "e2e", "golangci-lint"}))
	assert.Equal(t, CategoryUnknown, Dominant(nil))
	// Tie breaks toward the higher-priority (lower number) category.
	assert.Equal(t, CategoryBuild, Dominant([]string{"build", "unit-tests"}))
}
