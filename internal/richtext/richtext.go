// Package richtext turns Bluesky post text plus facets into Discord markdown.
//
// Facets address the text by UTF-8 byte offsets. Go strings are byte slices,
// but the renderer rewrites text by codepoint so multi-byte characters before a
// facet never shift it; ResolveByteRange performs that translation.
package richtext

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"skyhook/internal/types"
)

// ResolveByteRange maps the UTF-8 byte range [byteStart, byteEnd) of text
// onto codepoint indexes, so that []rune(text)[start:end] holds exactly those
// bytes.
//
// start is the index of the codepoint that begins at byteStart. end is one
// past the first codepoint whose cumulative byte length reaches byteEnd; a
// byteEnd inside a multi-byte codepoint therefore rounds up to include it.
// When either boundary is never reached it returns -1, -1 and
// types.ErrMalformedFacetOffset.
func ResolveByteRange(text string, byteStart, byteEnd int) (int, int, error) {
	if byteStart < 0 || byteEnd < byteStart || byteEnd > len(text) {
		return -1, -1, fmt.Errorf("%w: [%d,%d) outside %d bytes",
			types.ErrMalformedFacetOffset, byteStart, byteEnd, len(text))
	}

	if byteStart == byteEnd {
		return resolveEmpty(text, byteStart)
	}

	start, end := -1, -1
	offset := 0
	for i := 0; offset < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[offset:])
		if offset == byteStart {
			start = i
		}
		if offset+size >= byteEnd {
			end = i + 1
			break
		}
		offset += size
	}

	if start == -1 || end == -1 {
		return -1, -1, fmt.Errorf("%w: [%d,%d) not on a codepoint boundary",
			types.ErrMalformedFacetOffset, byteStart, byteEnd)
	}
	return start, end, nil
}

// resolveEmpty handles zero-length ranges, which select nothing but must
// still sit on a codepoint boundary.
func resolveEmpty(text string, at int) (int, int, error) {
	offset := 0
	i := 0
	for offset < at {
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
		i++
	}
	if offset != at {
		return -1, -1, fmt.Errorf("%w: empty range at %d not on a codepoint boundary",
			types.ErrMalformedFacetOffset, at)
	}
	return i, i, nil
}

type replacement struct {
	start, end int
	markup     string
}

// Render applies link facets to text as [text](uri) spans. Facets that fail
// to resolve, select nothing, or overlap another link are logged and skipped;
// mention and tag facets are left as plain text.
func Render(text string, facets []types.Facet, logger types.Logger) string {
	if len(facets) == 0 {
		return text
	}
	if logger == nil {
		logger = types.NopLogger{}
	}

	runes := []rune(text)
	var reps []replacement

	for _, f := range facets {
		if f.Kind != types.FacetLink || f.Target == "" {
			continue
		}
		start, end, err := ResolveByteRange(text, f.ByteStart, f.ByteEnd)
		if err != nil {
			logger.Warn("skipping link facet",
				"byte_start", f.ByteStart,
				"byte_end", f.ByteEnd,
				"error", err,
			)
			continue
		}
		if start == end {
			continue
		}
		reps = append(reps, replacement{
			start:  start,
			end:    end,
			markup: "[" + string(runes[start:end]) + "](" + f.Target + ")",
		})
	}

	if len(reps) == 0 {
		return text
	}

	// Apply back to front: every pending replacement lies strictly before the
	// one just applied, so its indexes into the original text stay valid.
	sort.SliceStable(reps, func(i, j int) bool { return reps[i].start > reps[j].start })

	out := runes
	limit := len(runes)
	for _, r := range reps {
		if r.end > limit {
			logger.Warn("skipping overlapping link facet", "start", r.start, "end", r.end)
			continue
		}
		next := make([]rune, 0, len(out)+len(r.markup))
		next = append(next, out[:r.start]...)
		next = append(next, []rune(r.markup)...)
		next = append(next, out[r.end:]...)
		out = next
		limit = r.start
	}

	return string(out)
}
