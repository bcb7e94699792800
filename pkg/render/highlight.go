package render

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

// Highlight returns content with terminal syntax colors for language. On
// any failure the content is returned unchanged.
func Highlight(content, language string) string {
	if content == "" {
		return ""
	}
	log := logger.WithComponent("render")

	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil {
		lexer = lexers.Analyse(content)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}

	formatter := formatters.Get("terminal16m")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		log.Debug("Failed to tokenize, using plain text", "error", err)
		return content
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, styles.Get("monokai"), iterator); err != nil {
		log.Debug("Failed to format, using plain text", "error", err)
		return content
	}
	return buf.String()
}
