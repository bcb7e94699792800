// Package markers finds image-prompt markers embedded in chat text and
// renders the image markup that gets spliced in next to them.
//
// Patterns are compiled with regexp2 in ECMAScript mode so marker syntaxes
// written for browser-side chat frontends keep working unchanged. Every
// pattern must have exactly one capturing group holding the prompt body.
// All offsets returned by this package are byte offsets into the Go string.
package markers

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// ErrNoPatterns is returned when a pattern set is compiled from an empty list
var ErrNoPatterns = errors.New("no marker patterns configured")

const matchTimeout = 2 * time.Second

// Match is one marker found in a text
type Match struct {
	Prompt    string // trimmed prompt body
	FullMatch string // exact marker substring as it appeared
	Start     int    // byte offset of the marker start
	End       int    // byte offset just past the marker
	BodyStart int    // byte offset of the raw (untrimmed) prompt body
	BodyEnd   int
	Pattern   int // index of the pattern that matched
}

// Patterns is a compiled, alternation-combined set of marker patterns
type Patterns struct {
	sources  []string
	combined *regexp2.Regexp
}

// Compile validates each pattern and combines them into one alternation
func Compile(patterns []string) (*Patterns, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}

	parts := make([]string, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp2.Compile(p, regexp2.ECMAScript)
		if err != nil {
			return nil, fmt.Errorf("marker pattern %d %q: %w", i, p, err)
		}
		// group 0 is the whole match
		if groups := len(re.GetGroupNumbers()) - 1; groups != 1 {
			return nil, fmt.Errorf("marker pattern %d %q must have exactly one capturing group, has %d", i, p, groups)
		}
		parts = append(parts, "(?:"+p+")")
	}

	combined, err := regexp2.Compile(strings.Join(parts, "|"), regexp2.ECMAScript)
	if err != nil {
		return nil, fmt.Errorf("failed to combine marker patterns: %w", err)
	}
	combined.MatchTimeout = matchTimeout

	return &Patterns{
		sources:  append([]string(nil), patterns...),
		combined: combined,
	}, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(patterns []string) *Patterns {
	p, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return p
}

// Sources returns the pattern strings this set was compiled from
func (p *Patterns) Sources() []string {
	return append([]string(nil), p.sources...)
}

// Extract returns every marker in text, ordered by position. Markers with a
// blank prompt body are skipped.
func (p *Patterns) Extract(text string) []Match {
	var matches []Match
	if text == "" {
		return matches
	}

	conv := newOffsetConverter(text)

	m, err := p.combined.FindStringMatch(text)
	for m != nil && err == nil {
		for i := range p.sources {
			g := m.GroupByNumber(i + 1)
			if g == nil || len(g.Captures) == 0 {
				continue
			}

			prompt := strings.TrimSpace(g.String())
			if prompt != "" {
				start := conv.byteOffset(m.Index)
				bodyStart := conv.byteOffset(g.Index)
				bodyEnd := conv.byteOffset(g.Index + g.Length)
				end := conv.byteOffset(m.Index + m.Length)
				matches = append(matches, Match{
					Prompt:    prompt,
					FullMatch: text[start:end],
					Start:     start,
					End:       end,
					BodyStart: bodyStart,
					BodyEnd:   bodyEnd,
					Pattern:   i,
				})
			}
			break
		}
		m, err = p.combined.FindNextMatch(m)
	}

	return matches
}

// offsetConverter maps regexp2 rune offsets to byte offsets. Lookups must be
// non-decreasing, which holds for successive matches in one scan.
type offsetConverter struct {
	text    string
	runeIdx int
	byteIdx int
}

func newOffsetConverter(text string) *offsetConverter {
	return &offsetConverter{text: text}
}

func (c *offsetConverter) byteOffset(runeOffset int) int {
	if runeOffset < c.runeIdx {
		c.runeIdx, c.byteIdx = 0, 0
	}
	for c.runeIdx < runeOffset && c.byteIdx < len(c.text) {
		_, size := utf8.DecodeRuneInString(c.text[c.byteIdx:])
		c.byteIdx += size
		c.runeIdx++
	}
	return c.byteIdx
}
