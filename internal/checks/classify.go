package checks

import "regexp"

// Tool output that mentions errors is treated as a failure even when the
// process exits zero, because several common verification tools report
// problems on stdout without a failing exit code. Counts of zero
// ("0 errors", "no failures") are exempt. Exit-code failure is always
// authoritative; this heuristic only downgrades an exit-code success.
var (
	errorPattern = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|failures)\b`)
	cleanPattern = regexp.MustCompile(`(?i)\b(0|no)\s+(errors?|failures?)\b`)
)

// looksLikeFailure reports whether output from a zero-exit command
// should still be classified as a failed check.
func looksLikeFailure(output string) bool {
	if !errorPattern.MatchString(output) {
		return false
	}
	return !cleanPattern.MatchString(output)
}
