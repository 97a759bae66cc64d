package tts

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/divan/num2words"
)

// maxSpokenNumber is the largest value spelled out; num2words stops at billions.
const maxSpokenNumber = 999_999_999_999

var (
	rePhone    = regexp.MustCompile(`(\d{3})-(\d{3})-(\d{4})`)
	reOrdinals = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)
	reNumbers  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

type unit struct {
	re   *regexp.Regexp
	name string
}

var units = newUnits(
	"Hz", "hertz",
	"kHz", "kilohertz",
	"MHz", "megahertz",
	"GHz", "gigahertz",
	"KB", "kilobytes",
	"MB", "megabytes",
	"GB", "gigabytes",
	"TB", "terabytes",
	"ms", "milliseconds",
	"kb", "kilobits",
	"Mb", "megabits",
	"Gb", "gigabits",
)

func newUnits(pairs ...string) []unit {
	out := make([]unit, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, unit{
			re:   regexp.MustCompile(`(\d)\s*` + regexp.QuoteMeta(pairs[i]) + `\b`),
			name: pairs[i+1],
		})
	}
	return out
}

var irregularOrdinals = map[string]string{
	"one":    "first",
	"two":    "second",
	"three":  "third",
	"five":   "fifth",
	"eight":  "eighth",
	"nine":   "ninth",
	"twelve": "twelfth",
}

// spellInt returns the words for a non-negative integer literal, or "" when it
// cannot be spoken.
func spellInt(digits string) string {
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n > maxSpokenNumber {
		return ""
	}
	return num2words.Convert(n)
}

// spellNumber reads "3.25" as "three point two five".
func spellNumber(raw string) string {
	whole, frac, hasFrac := strings.Cut(raw, ".")
	words := spellInt(whole)
	if words == "" {
		return raw
	}
	if !hasFrac {
		return words
	}
	parts := []string{words, "point"}
	for _, d := range frac {
		parts = append(parts, num2words.Convert(int(d-'0')))
	}
	return strings.Join(parts, " ")
}

func expandCurrency(m string) string {
	sub := reCurrency.FindStringSubmatch(m)
	name := currencyNames[sub[1]]
	whole, cents, hasCents := strings.Cut(strings.ReplaceAll(sub[2], ",", ""), ".")
	words := spellInt(whole)
	if words == "" {
		return m
	}
	if !hasCents {
		return words + " " + name
	}
	centWords := spellInt(cents)
	if centWords == "" {
		return m
	}
	return words + " " + name + " and " + centWords + " cents"
}

// expandPhone reads each digit, pausing between groups.
func expandPhone(m string) string {
	sub := rePhone.FindStringSubmatch(m)
	groups := make([]string, 0, 3)
	for _, g := range sub[1:] {
		digits := make([]string, 0, len(g))
		for _, d := range g {
			digits = append(digits, num2words.Convert(int(d-'0')))
		}
		groups = append(groups, strings.Join(digits, " "))
	}
	return strings.Join(groups, ", ")
}

func expandOrdinal(m string) string {
	sub := reOrdinals.FindStringSubmatch(m)
	words := spellInt(sub[1])
	if words == "" {
		return m
	}
	return ordinal(words)
}

// ordinal turns the last word of a spelled number into its ordinal form.
func ordinal(words string) string {
	i := strings.LastIndexAny(words, " -") + 1
	head, last := words[:i], words[i:]
	if o, ok := irregularOrdinals[last]; ok {
		return head + o
	}
	if strings.HasSuffix(last, "y") {
		return head + strings.TrimSuffix(last, "y") + "ieth"
	}
	return head + last + "th"
}

func expandUnits(text string) string {
	for _, u := range units {
		text = u.re.ReplaceAllString(text, "$1 "+u.name)
	}
	return text
}

// expandNumbers spells standalone numbers. Digits touching letters, underscores
// or colons (times, versions, identifiers) are left alone.
func expandNumbers(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range reNumbers.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if touchesWord(text, start, end) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(spellNumber(text[start:end]))
		last = end
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

func touchesWord(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordOrColon(r) {
			return true
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordOrColon(r) {
			return true
		}
	}
	return false
}

func isWordOrColon(r rune) bool {
	return r == '_' || r == ':' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
