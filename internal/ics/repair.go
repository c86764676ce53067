package ics

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	appLog "mailcal/internal/log"
)

// doubleEncodedMarker is U+00C3 ("Ã"), the lead character left behind when
// UTF-8 text is decoded as a single-byte charset and encoded to UTF-8 again.
// Its own UTF-8 form is the byte pair C3 83.
const doubleEncodedMarker = "Ã"

// repairPatterns normalize a few double-encoded sequences whose second
// byte got mangled on the way (NBSP flattened to a space, C1 controls
// left as Latin-1 instead of their Windows-1252 glyphs), so that the
// Windows-1252 round trip below can restore them.
var repairPatterns = strings.NewReplacer(
	"\u00c3 ", "\u00c3\u00a0", // à
	"\u00c3\u0089", "\u00c3\u2030", // É
	"\u00c3\u009f", "\u00c3\u0178", // ß
)

// repairEncodings are tried in order; the first one that can represent
// the whole text wins.
var repairEncodings = []struct {
	name string
	enc  *charmap.Charmap
}{
	{"windows-1252", charmap.Windows1252},
	{"iso-8859-1", charmap.ISO8859_1},
	{"iso-8859-15", charmap.ISO8859_15},
}

// RepairCharset undoes one common double-encoding breakage in text that
// was declared as UTF-8. It fixes some but not all of these cases and is
// lossy when it cannot. Text that does not look broken is returned as is.
func RepairCharset(text, charset string) string {
	if !isUTF8Label(charset) || !strings.Contains(text, doubleEncodedMarker) {
		return text
	}

	fixed := repairPatterns.Replace(text)

	var raw string
	for _, cand := range repairEncodings {
		out, err := cand.enc.NewEncoder().String(fixed)
		if err == nil {
			appLog.Debug("charset repair re-encoded", "encoding", cand.name)
			raw = out
			break
		}
	}
	if raw == "" {
		out, err := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()).String(fixed)
		if err != nil {
			appLog.Warn("charset repair gave up", "err", err)
			return text
		}
		appLog.Debug("charset repair forced windows-1252 with substitutions")
		raw = out
	}

	return strings.ToValidUTF8(raw, "�")
}

func isUTF8Label(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "utf-8", "utf8":
		return true
	}
	return false
}
