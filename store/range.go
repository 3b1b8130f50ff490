package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable is returned for byte ranges outside the artifact.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// Range is an inclusive byte interval. End < 0 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Full is the range covering a whole artifact.
var Full = Range{Start: 0, End: -1}

// Length returns the number of bytes in r for an artifact of size total.
func (r Range) Length(total int64) int64 {
	end := r.End
	if end < 0 || end >= total {
		end = total - 1
	}
	return end - r.Start + 1
}

// ContentRange renders the Content-Range header value for r.
func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Start+r.Length(total)-1, total)
}

// clamp validates r against size and bounds End to the last byte.
func (r Range) clamp(size int64) (Range, error) {
	if r.Start < 0 || r.Start >= size || (r.End >= 0 && r.End < r.Start) {
		return Range{}, fmt.Errorf("%w: %d-%d of %d", ErrRangeNotSatisfiable, r.Start, r.End, size)
	}
	if r.End < 0 || r.End >= size {
		r.End = size - 1
	}
	return r, nil
}

// ParseRange parses a single-range HTTP Range header ("bytes=a-b", "bytes=a-"
// or "bytes=-n") against an artifact of the given size. ok is false when the
// header is absent or lists several ranges, in which case the whole artifact
// should be served.
func ParseRange(header string, size int64) (r Range, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Range{}, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return Range{}, false, fmt.Errorf("%w: unsupported unit in %q", ErrRangeNotSatisfiable, header)
	}
	if strings.Contains(spec, ",") {
		return Range{}, false, nil
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return Range{}, false, fmt.Errorf("%w: malformed %q", ErrRangeNotSatisfiable, header)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// Suffix range: the last n bytes.
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return Range{}, false, fmt.Errorf("%w: malformed %q", ErrRangeNotSatisfiable, header)
		}
		if n > size {
			n = size
		}
		r = Range{Start: size - n, End: size - 1}
	} else {
		start, perr := strconv.ParseInt(first, 10, 64)
		if perr != nil {
			return Range{}, false, fmt.Errorf("%w: malformed %q", ErrRangeNotSatisfiable, header)
		}
		end := int64(-1)
		if last != "" {
			if end, perr = strconv.ParseInt(last, 10, 64); perr != nil {
				return Range{}, false, fmt.Errorf("%w: malformed %q", ErrRangeNotSatisfiable, header)
			}
		}
		r = Range{Start: start, End: end}
	}

	r, err = r.clamp(size)
	if err != nil {
		return Range{}, false, err
	}
	return r, true, nil
}
