package terminal

import (
	"regexp"
	"strings"
)

// Presentation-layer cleaning for output forwarded upstream. Detection never
// runs on cleaned content; these transforms exist purely so chat clients
// receive readable text instead of raw terminal control noise.

var (
	ansiEscapePattern = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[()][0-9A-B]|[=>\x37\x38])`)
	controlBytes      = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	boxDrawingRunes   = regexp.MustCompile(`[\x{2500}-\x{257f}\x{2580}-\x{259f}]`)
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)
)

// stripANSI removes escape sequences and non-printing control bytes,
// keeping newlines intact.
func stripANSI(s string) string {
	s = ansiEscapePattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return controlBytes.ReplaceAllString(s, "")
}

// stripDecoration removes box-drawing characters and collapses the blank
// runs they leave behind.
func stripDecoration(s string) string {
	s = boxDrawingRunes.ReplaceAllString(s, "")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return blankRunPattern.ReplaceAllString(strings.Join(out, "\n"), "\n\n")
}

// suppressLines drops whole lines matching any of the given patterns,
// used for startup banners and redundant status footers.
func suppressLines(s string, patterns []*regexp.Regexp) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		drop := false
		for _, p := range patterns {
			if p.MatchString(line) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
