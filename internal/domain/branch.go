package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Work branches follow the convention <prefix>/issue-<N>[-<suffix>].
// The suffix is free-form (usually a short spec slug) and optional.
var workBranchPattern = regexp.MustCompile(`^([^/]+)/issue-(\d+)(?:-(.+))?$`)

// WorkBranch is the parsed form of a work-branch name
type WorkBranch struct {
	Prefix      string
	IssueNumber int
	Suffix      string
}

// String reassembles the branch name from its parts
func (b WorkBranch) String() string {
	if b.Suffix != "" {
		return fmt.Sprintf("%s/issue-%d-%s", b.Prefix, b.IssueNumber, b.Suffix)
	}
	return fmt.Sprintf("%s/issue-%d", b.Prefix, b.IssueNumber)
}

// ParseWorkBranch parses a branch name against the work-branch naming
// convention. Returns false if the name does not match.
func ParseWorkBranch(name string) (WorkBranch, bool) {
	m := workBranchPattern.FindStringSubmatch(name)
	if m == nil {
		return WorkBranch{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return WorkBranch{}, false
	}
	return WorkBranch{Prefix: m[1], IssueNumber: n, Suffix: m[3]}, true
}

// IsWorkBranch reports whether name matches the convention under the
// given prefix.
func IsWorkBranch(name, prefix string) bool {
	b, ok := ParseWorkBranch(name)
	return ok && b.Prefix == prefix
}

// SpecIDFromTitle extracts a spec id like API-TABLES-RECORDS-LIST-014
// from free text. Spec ids are upper-case dash-joined segments ending
// in a numeric ordinal.
var specIDPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]*(?:-[A-Z0-9]+)*-\d{3})\b`)

func SpecIDFromTitle(title string) string {
	return specIDPattern.FindString(title)
}

// NormalizeBranchRef strips a leading refs/heads/ if present
func NormalizeBranchRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
