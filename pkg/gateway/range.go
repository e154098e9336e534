package gateway

import (
	"errors"
	"strconv"
	"strings"
)

var errInvalidRange = errors.New("invalid range")

// Range is a single byte range taken from a Range header. End is -1 for
// an open range. For a suffix range ("bytes=-n") Start holds n.
type Range struct {
	Start  int64
	End    int64
	Suffix bool
}

// ParseRange parses "bytes=a-b", "bytes=a-" and "bytes=-n".
// Multiple ranges are not supported.
func ParseRange(s string) (Range, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(s), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return Range{}, errInvalidRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return Range{}, errInvalidRange
	}

	if first == "" {
		n, err := parseOffset(last)
		if err != nil {
			return Range{}, err
		}
		return Range{Start: n, End: -1, Suffix: true}, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return Range{}, err
	}
	if last == "" {
		return Range{Start: start, End: -1}, nil
	}
	end, err := parseOffset(last)
	if err != nil {
		return Range{}, err
	}
	if end < start {
		return Range{}, errInvalidRange
	}
	return Range{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidRange
	}
	return n, nil
}

// Align clamps r to a resource of the given length and returns the
// inclusive byte span. ok is false when the range cannot be satisfied.
func (r Range) Align(length int64) (start, end int64, ok bool) {
	if r.Suffix {
		if r.Start == 0 || length == 0 {
			return 0, 0, false
		}
		return max(length-r.Start, 0), length - 1, true
	}
	if r.Start >= length {
		return 0, 0, false
	}
	end = r.End
	if end < 0 || end >= length {
		end = length - 1
	}
	return r.Start, end, true
}
