package textprep

import (
	"strings"

	"github.com/forPelevin/gomoji"
	"github.com/mitchellh/go-wordwrap"
	"github.com/mozillazg/go-unidecode"
)

// Prepare turns arbitrary text into printer-safe, width-constrained lines.
// The stylized path shells out to cowsay and falls back to plain wrapping
// when the tool is missing, times out, or exits nonzero. Never fails.
func Prepare(text string, maxWidth int, stylized bool) string {
	if maxWidth < 1 {
		maxWidth = 32
	}

	if stylized {
		if art, err := generateArt(text, maxWidth); err == nil {
			return art
		}
		// Warn already logged by generateArt; degrade to plain wrapping.
	}

	return Wrap(EncodeForPrinter(text), maxWidth)
}

// EncodeForPrinter makes text safe for the device character set: emoji
// become their :slug: names, everything else non-ASCII is transliterated
// to the nearest ASCII approximation.
func EncodeForPrinter(text string) string {
	for _, e := range gomoji.FindAll(text) {
		text = strings.ReplaceAll(text, e.Character, ":"+e.Slug+":")
	}
	return unidecode.Unidecode(text)
}

// Wrap word-wraps each paragraph independently to maxWidth columns.
// Paragraphs are newline-delimited; blank lines are preserved.
func Wrap(text string, maxWidth int) string {
	if maxWidth < 1 {
		maxWidth = 32
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		if strings.TrimSpace(paragraph) == "" {
			lines = append(lines, "")
			continue
		}
		lines = append(lines, breakLongRuns(wordwrap.WrapString(paragraph, uint(maxWidth)), maxWidth))
	}
	return strings.Join(lines, "\n")
}

// breakLongRuns hard-breaks any line still over budget after word
// wrapping: a single word longer than maxWidth would otherwise overflow
// the paper at scaled font sizes.
func breakLongRuns(text string, maxWidth int) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for len(runes) > maxWidth {
			out = append(out, string(runes[:maxWidth]))
			runes = runes[maxWidth:]
		}
		out = append(out, string(runes))
	}
	return strings.Join(out, "\n")
}
