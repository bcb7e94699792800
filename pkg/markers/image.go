package markers

import (
	"html"
	"strings"

	"github.com/dlclark/regexp2"
)

// imageMarkup matches an <img src="..."> element, optionally preceded by
// whitespace, anchored at the start of the input.
var imageMarkup = regexp2.MustCompile(`^\s*<img\s+src="([^"]*)"[^>]*>`, regexp2.ECMAScript)

// anyImageMarkup finds <img src="..."> elements anywhere in a text
var anyImageMarkup = regexp2.MustCompile(`<img\s+src="([^"]*)"[^>]*>`, regexp2.ECMAScript)

// Image is an image element found in text
type Image struct {
	Src   string
	Start int // byte offset, includes any leading whitespace for ImageAt
	End   int
}

// RenderImage fills an image template. {url} and {prompt} are replaced with
// attribute-escaped values; the result is prefixed with a newline so the
// image sits on its own line under the marker.
func RenderImage(template, url, prompt string) string {
	r := strings.NewReplacer(
		"{url}", html.EscapeString(url),
		"{prompt}", html.EscapeString(prompt),
	)
	return "\n" + r.Replace(template)
}

// ImageAt reports the image element that starts at offset (after optional
// whitespace). It returns false when the text at offset is not an image.
func ImageAt(text string, offset int) (Image, bool) {
	if offset < 0 || offset > len(text) {
		return Image{}, false
	}

	rest := text[offset:]
	m, err := imageMarkup.FindStringMatch(rest)
	if err != nil || m == nil {
		return Image{}, false
	}

	conv := newOffsetConverter(rest)
	end := conv.byteOffset(m.Index + m.Length)
	return Image{
		Src:   html.UnescapeString(m.GroupByNumber(1).String()),
		Start: offset,
		End:   offset + end,
	}, true
}

// ImagesAfter returns the run of image elements directly following offset,
// each separated from the previous only by whitespace.
func ImagesAfter(text string, offset int) []Image {
	var images []Image
	for {
		img, ok := ImageAt(text, offset)
		if !ok {
			return images
		}
		images = append(images, img)
		offset = img.End
	}
}

// FindImage returns the first image element whose src satisfies match
func FindImage(text string, match func(src string) bool) (Image, bool) {
	conv := newOffsetConverter(text)

	m, err := anyImageMarkup.FindStringMatch(text)
	for m != nil && err == nil {
		src := html.UnescapeString(m.GroupByNumber(1).String())
		if match(src) {
			start := conv.byteOffset(m.Index)
			end := conv.byteOffset(m.Index + m.Length)
			return Image{Src: src, Start: start, End: end}, true
		}
		m, err = anyImageMarkup.FindNextMatch(m)
	}
	return Image{}, false
}
