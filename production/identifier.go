package production

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentifierMax is the last number of a process sequence; numbering wraps
// back to 1 after it.
const IdentifierMax = 9999

// IdentifierPrefix is the common prefix of identifiers produced by process.
func IdentifierPrefix(processCode string) string {
	return "N-" + processCode + "-"
}

// FormatIdentifier renders N-{processCode}-{0001..9999}.
func FormatIdentifier(processCode string, n int) string {
	return fmt.Sprintf("%s%04d", IdentifierPrefix(processCode), n)
}

// ParseIdentifier extracts the sequence number of an identifier produced by
// processCode.
func ParseIdentifier(processCode, identifier string) (int, bool) {
	rest, ok := strings.CutPrefix(identifier, IdentifierPrefix(processCode))
	if !ok || len(rest) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > IdentifierMax {
		return 0, false
	}
	return n, true
}

// NextIdentifiers allocates count identifiers for processCode, continuing
// after the highest number in taken, wrapping from 9999 to 1 and skipping
// numbers already taken.
func NextIdentifiers(processCode string, taken []string, count int) ([]string, error) {
	used := make(map[int]bool, len(taken))
	highest := 0
	for _, t := range taken {
		if n, ok := ParseIdentifier(processCode, t); ok {
			used[n] = true
			if n > highest {
				highest = n
			}
		}
	}
	if len(used)+count > IdentifierMax {
		return nil, newError(CodeIdentifierConflict,
			"process %s has no free identifiers (%d used, %d requested)", processCode, len(used), count)
	}

	out := make([]string, 0, count)
	n := highest
	for len(out) < count {
		n++
		if n > IdentifierMax {
			n = 1
		}
		if used[n] {
			continue
		}
		used[n] = true
		out = append(out, FormatIdentifier(processCode, n))
	}
	return out, nil
}
