// Package classify maps CI check names to failure categories. It is a pure
// function over check names: no I/O, no state. The lifecycle manager uses
// it to enrich CI-fix messages and lessons use it to label dominant failure
// modes.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category labels a class of CI failure.
type Category string

const (
	CategoryBuild     Category = "build"
	CategoryTypecheck Category = "typecheck"
	CategoryLint      Category = "lint"
	CategoryFormat    Category = "format"
	CategoryTest      Category = "test"
	CategorySecurity  Category = "security"
	CategoryUnknown   Category = "unknown"
)

// Priority orders categories in formatted output: fix build breaks before
// chasing test failures.
func (c Category) Priority() int {
	switch c {
	case CategoryBuild:
		return 1
	case CategoryTypecheck:
		return 2
	case CategoryLint, CategoryFormat:
		return 3
	case CategoryTest:
		return 4
	case CategorySecurity:
		return 5
	}
	return 6
}

// Recommendation is the per-category fix guidance inlined into agent
// messages.
func (c Category) Recommendation() string {
	switch c {
	case CategoryBuild:
		return "Fix compilation errors first; nothing downstream is meaningful until the build is green."
	case CategoryTypecheck:
		return "Resolve type errors; check recent signature changes against their call sites."
	case CategoryLint:
		return "Run the linter locally and address each finding; do not suppress rules without reason."
	case CategoryFormat:
		return "Run the project formatter and commit the result."
	case CategoryTest:
		return "Run the failing tests locally, read the assertion output, and fix the behavior (or the test if the behavior change was intended)."
	case CategorySecurity:
		return "Review the flagged dependency or pattern; upgrade or patch before merging."
	}
	return "Open the check's log and work from the first error."
}

// pattern order matters: the first match wins.
var patterns = []struct {
	re  *regexp.Regexp
	cat Category
}{
	{regexp.MustCompile(`(?i)build|compile`), CategoryBuild},
	{regexp.MustCompile(`(?i)type.?check|tsc\b|mypy`), CategoryTypecheck},
	{regexp.MustCompile(`(?i)lint|eslint|golangci|vet\b`), CategoryLint},
	{regexp.MustCompile(`(?i)format|fmt\b|prettier|gofmt`), CategoryFormat},
	{regexp.MustCompile(`(?i)test|spec|jest|pytest|e2e`), CategoryTest},
	{regexp.MustCompile(`(?i)security|audit|codeql|snyk|trivy`), CategorySecurity},
}

// Classify maps one check name to a category.
func Classify(checkName string) Category {
	for _, p := range patterns {
		if p.re.MatchString(checkName) {
			return p.cat
		}
	}
	return CategoryUnknown
}

// FormatClassifiedErrors groups failing check names by category and emits a
// stable markdown section per category, ordered by category priority.
func FormatClassifiedErrors(checkNames []string) string {
	if len(checkNames) == 0 {
		return ""
	}

	byCat := make(map[Category][]string)
	for _, name := range checkNames {
		cat := Classify(name)
		byCat[cat] = append(byCat[cat], name)
	}

	cats := make([]Category, 0, len(byCat))
	for cat := range byCat {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].Priority() != cats[j].Priority() {
			return cats[i].Priority() < cats[j].Priority()
		}
		return cats[i] < cats[j]
	})

	var b strings.Builder
	for _, cat := range cats {
		names := byCat[cat]
		sort.Strings(names)
		fmt.Fprintf(&b, "### %s failures\n", cat)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s\n", name)
		}
		fmt.Fprintf(&b, "\nAction: %s\n\n", cat.Recommendation())
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Dominant returns the most frequent category among check names, breaking
// ties by priority.
func Dominant(checkNames []string) Category {
	if len(checkNames) == 0 {
		return CategoryUnknown
	}
	counts := make(map[Category]int)
	for _, name := range checkNames {
		counts[Classify(name)]++
	}
	best := CategoryUnknown
	bestCount := -1
	for cat, n := range counts {
		if n > bestCount || (n == bestCount && cat.Priority() < best.Priority()) {
			best, bestCount = cat, n
		}
	}
	return best
}
