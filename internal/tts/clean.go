package tts

import (
	"regexp"
	"strings"
)

var (
	reCodeBlocks   = regexp.MustCompile("```[\\s\\S]*?```")
	reIndentedCode = regexp.MustCompile(`(?m)^(?:    |\t).+$`)
	reInlineCode   = regexp.MustCompile("`([^`]+)`")
	reImages       = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	reLinks        = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reHorizRules   = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	reBoldStar     = regexp.MustCompile(`\*{1,3}([^*]+)\*{1,3}`)
	reBoldUnder    = regexp.MustCompile(`_{1,3}([^_]+)_{1,3}`)
	reHeaders      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reBullets      = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	reNumbered     = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]+`)
	reBlockquotes  = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
	reURLs         = regexp.MustCompile(`https?://\S+`)
	rePercent      = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	reCurrency     = regexp.MustCompile(`([$£€¥])(\d+(?:,\d{3})*(?:\.\d{2})?)`)
	reAcronyms     = regexp.MustCompile(`\b[A-Z]{2,}('?s)?\b`)
	reSpaces       = regexp.MustCompile(`[ \t]+`)
	reNewlines     = regexp.MustCompile(`\n{2,}`)
)

var currencyNames = map[string]string{"$": "dollars", "£": "pounds", "€": "euros", "¥": "yen"}

// words that look like acronyms but are spoken as words
var notAcronyms = map[string]bool{"AM": true, "PM": true, "OK": true, "US": true}

var symbolReplacer = strings.NewReplacer(
	"°F", " degrees Fahrenheit",
	"°C", " degrees Celsius",
	"°", " degrees",
	"&", " and ",
	"+", " plus ",
	"→", "",
	"—", ", ",
	"–", ", ",
)

// Clean normalizes LLM output for speech: markdown and URLs are stripped,
// numbers, currency, ordinals, phone numbers and units are read out as words,
// symbols are spelled out and acronyms are split into letters.
func Clean(text string) string {
	text = reCodeBlocks.ReplaceAllString(text, "")
	text = reIndentedCode.ReplaceAllString(text, "")
	text = reInlineCode.ReplaceAllString(text, "$1")
	text = reImages.ReplaceAllString(text, "")
	text = reLinks.ReplaceAllString(text, "$1")
	text = reHorizRules.ReplaceAllString(text, "")
	text = reBoldStar.ReplaceAllString(text, "$1")
	text = reBoldUnder.ReplaceAllString(text, "$1")
	text = reHeaders.ReplaceAllString(text, "")
	text = reBullets.ReplaceAllString(text, "")
	text = reNumbered.ReplaceAllString(text, "")
	text = reBlockquotes.ReplaceAllString(text, "")
	text = reURLs.ReplaceAllString(text, "")

	text = reCurrency.ReplaceAllStringFunc(text, expandCurrency)
	text = rePercent.ReplaceAllString(text, "$1 percent")
	text = rePhone.ReplaceAllStringFunc(text, expandPhone)
	text = reOrdinals.ReplaceAllStringFunc(text, expandOrdinal)
	text = expandUnits(text)
	text = expandNumbers(text)
	text = reAcronyms.ReplaceAllStringFunc(text, spellAcronym)
	text = symbolReplacer.Replace(text)

	text = reSpaces.ReplaceAllString(text, " ")
	text = reNewlines.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

func spellAcronym(word string) string {
	suffix := ""
	if strings.HasSuffix(word, "'s") {
		word, suffix = strings.TrimSuffix(word, "'s"), "s"
	} else if strings.HasSuffix(word, "s") {
		word, suffix = strings.TrimSuffix(word, "s"), "s"
	}
	if notAcronyms[word] {
		return word + suffix
	}
	letters := make([]string, 0, len(word))
	for _, r := range strings.ToLower(word) {
		letters = append(letters, string(r))
	}
	return strings.Join(letters, ". ") + "." + suffix
}
