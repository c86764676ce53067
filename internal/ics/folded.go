package ics

import (
	"iter"
	"strings"

	"mailcal/internal/model"
)

// FoldedLines returns the logical lines of a folded calendar text.
//
// A physical line starting with a space or a tab continues the previous
// logical line; the leading whitespace character is dropped. Carriage
// returns are stripped and empty physical lines are skipped. The returned
// sequence can be ranged over any number of times.
func FoldedLines(text string) iter.Seq[model.FoldedLine] {
	return func(yield func(model.FoldedLine) bool) {
		var (
			raw     []string
			logical strings.Builder
		)
		flush := func() bool {
			if len(raw) == 0 {
				return true
			}
			fl := model.FoldedLine{Raw: raw, Line: logical.String()}
			raw = nil
			logical.Reset()
			return yield(fl)
		}

		rest := text
		for len(rest) > 0 {
			var line string
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				line, rest = rest, ""
			}
			line = strings.ReplaceAll(line, "\r", "")
			if line == "" {
				continue
			}

			if (line[0] == ' ' || line[0] == '\t') && len(raw) > 0 {
				raw = append(raw, line)
				logical.WriteString(line[1:])
				continue
			}

			if !flush() {
				return
			}
			raw = []string{line}
			logical.WriteString(line)
		}
		flush()
	}
}
