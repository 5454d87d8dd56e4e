// Package consensus counts how many external call groups mention a token
// within a sliding window. It runs as a sidecar and shares its state with the
// scorer through Redis.
package consensus

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
	"golang.org/x/text/unicode/norm"
)

// MaxMessageLen bounds how much of a message is scanned.
const MaxMessageLen = 8192

const addr = `([1-9A-HJ-NP-Za-km-z]{32,44})`

var (
	keywordRe  = regexp.MustCompile(`(?i)\b(?:ca|contract|mint|address|token)\s{0,3}[:=\-]?\s{0,3}` + addr + `\b`)
	fencedRe   = regexp.MustCompile("`{1,3}\\s{0,3}" + addr + "\\s{0,3}`{1,3}")
	explorerRe = regexp.MustCompile(`(?i)(?:dexscreener\.com/solana|birdeye\.so/token|solscan\.io/token|pump\.fun(?:/coin)?|gmgn\.ai/sol/token|jup\.ag/swap/SOL-)/?` + addr)
)

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
)

// Normalize applies NFKC and strips zero-width characters. Fullwidth and
// other compatibility forms collapse to ASCII.
func Normalize(text string) string {
	return zeroWidth.Replace(norm.NFKC.String(truncate(text, MaxMessageLen)))
}

// truncate cuts text to at most n bytes without splitting a rune.
func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// Extractor finds token addresses in chat messages.
type Extractor struct {
	exclude map[string]struct{}
}

// NewExtractor creates an extractor that drops the given addresses.
func NewExtractor(exclude ...string) *Extractor {
	e := &Extractor{exclude: make(map[string]struct{}, len(exclude))}
	for _, a := range exclude {
		if a = strings.TrimSpace(a); a != "" {
			e.exclude[a] = struct{}{}
		}
	}
	return e
}

// Extract returns the distinct candidate addresses in text in order of first
// appearance. Each candidate decodes from base58 to exactly 32 bytes.
func (e *Extractor) Extract(text string) []string {
	text = Normalize(text)

	seen := make(map[string]struct{})
	var out []string
	add := func(re *regexp.Regexp) {
		for _, m := range re.FindAllStringSubmatch(text, 16) {
			a := m[1]
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			if _, skip := e.exclude[a]; skip {
				continue
			}
			if !IsPubkey(a) {
				continue
			}
			out = append(out, a)
		}
	}
	add(keywordRe)
	add(fencedRe)
	add(explorerRe)
	return out
}

// IsPubkey reports whether s is base58 for exactly 32 bytes.
func IsPubkey(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}
