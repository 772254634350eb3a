package orchestrator

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultMaxFeedbackBytes = 16 * 1024

var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(x-n8n-api-key|authorization|api[_-]?key|password|secret|token)("?\s*[:=]\s*"?)[^\s",}]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`),
}

// Guard bounds and scrubs text that is fed back to the models: platform
// error bodies and rejected candidates can be large and can echo credentials.
type Guard struct {
	MaxBytes       int
	SecretPatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxBytes:       DefaultMaxFeedbackBytes,
		SecretPatterns: defaultSecretPatterns,
	}
}

func (g *Guard) Sanitize(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range g.SecretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			if sub := pat.FindStringSubmatchIndex(match); len(sub) >= 6 && sub[4] >= 0 {
				// keep the key and separator, mask the value
				return match[:sub[5]] + strings.Repeat("*", len(match)-sub[5])
			}
			return strings.Repeat("*", len(match))
		})
	}
	if g.MaxBytes > 0 && len(s) > g.MaxBytes {
		cut := g.MaxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "\n[truncated: feedback exceeded size limit]"
	}
	return s
}
