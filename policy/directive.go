package policy

import (
	"strings"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Marker matching happens on ANSI-stripped lines so colored test output
// cannot hide a marker from the harness.

// ContainsUnexpectedFailure reports whether the output carries the
// unexpected-failure sentinel.
func ContainsUnexpectedFailure(output []byte) bool {
	return strings.Contains(stripansi.Strip(string(output)), types.UnexpectedFailureMarker)
}

// FindSkipMarker scans the output for an inline skip marker line and
// returns the skip reason following it, if any.
func FindSkipMarker(output []byte) (reason string, found bool) {
	for _, line := range strings.Split(stripansi.Strip(string(output)), "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, types.SkipMarker) {
			continue
		}
		rest := trimmed[len(types.SkipMarker):]
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// ExtractRetryDirective scans the output for an embedded retry directive
// line: optional leading whitespace, the literal marker, one space, then
// the reason running to end of line. The matched line is removed from the
// returned output so it never reaches the report stream.
func ExtractRetryDirective(output []byte) (reason string, stripped []byte, found bool) {
	lines := strings.Split(string(output), "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(stripansi.Strip(line), " \t")
		if !strings.HasPrefix(trimmed, types.RetryDirectiveMarker+" ") {
			continue
		}
		reason = trimmed[len(types.RetryDirectiveMarker)+1:]
		rest := append([]string{}, lines[:i]...)
		rest = append(rest, lines[i+1:]...)
		return reason, []byte(strings.Join(rest, "\n")), true
	}
	return "", output, false
}

// IsCorruptionReason reports whether a retry reason carries one of the
// recognized machine-corruption markers.
func IsCorruptionReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range types.CorruptionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
