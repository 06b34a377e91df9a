package transcript

import "regexp"

var (
	ansiCSI      = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC      = regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`)
	ansiDCS      = regexp.MustCompile(`\x1bP.*?\x1b\\`)
	ansiCharset  = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	ansiSingle   = regexp.MustCompile(`\x1b.`)
	commandBlock = regexp.MustCompile(`<command-[^>]+>.*?</command-[^>]+>`)
)

// StripANSI removes terminal escape sequences and stray control bytes,
// keeping newlines and tabs.
func StripANSI(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiDCS.ReplaceAllString(s, "")
	s = ansiCharset.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\r' {
			continue
		}
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
