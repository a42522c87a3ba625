package core

import (
	"strconv"
	"strings"
)

// byteRange is an inclusive span [start, end] of an object.
type byteRange struct {
	start int64
	end   int64
}

func (b byteRange) length() int64 {
	return b.end - b.start + 1
}

type rangeResult int

const (
	// rangeIgnored means the header is absent, malformed, or asks for
	// several ranges; the whole object is served.
	rangeIgnored rangeResult = iota
	rangeSatisfiable
	rangeUnsatisfiable
)

// parseRange interprets a single-range "bytes=" header against an object of
// size bytes. Supported forms are "start-end", "start-" and "-suffix".
func parseRange(header string, size int64) (byteRange, rangeResult) {
	const prefix = "bytes="

	if header == "" || !strings.HasPrefix(header, prefix) {
		return byteRange{}, rangeIgnored
	}

	set := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(set, ",") {
		return byteRange{}, rangeIgnored
	}

	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return byteRange{}, rangeIgnored
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// Suffix form: the final n bytes.
		n, err := parseOffset(last)
		if err != nil {
			return byteRange{}, rangeIgnored
		}
		if n == 0 || size == 0 {
			return byteRange{}, rangeUnsatisfiable
		}
		return byteRange{start: max(0, size-n), end: size - 1}, rangeSatisfiable
	}

	start, err := parseOffset(first)
	if err != nil {
		return byteRange{}, rangeIgnored
	}

	end := size - 1
	if last != "" {
		end, err = parseOffset(last)
		if err != nil || end < start {
			return byteRange{}, rangeIgnored
		}
	}

	if start >= size {
		return byteRange{}, rangeUnsatisfiable
	}

	return byteRange{start: start, end: min(end, size-1)}, rangeSatisfiable
}

func parseOffset(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}
