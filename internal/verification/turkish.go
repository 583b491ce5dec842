package verification

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// turkishFolder lowercases using Turkish case rules, so "İ" folds to "i" and
// "I" folds to "ı" the way a Turkish keyboard/locale would, rather than the
// ASCII-biased default Go strings.ToLower would produce.
var turkishFolder = cases.Fold(language.Turkish)

// asciiFold maps Turkish diacritic letters to their closest ASCII
// counterpart so names typed with or without Turkish characters compare
// equal ("Gökhan" vs "Gokhan").
var asciiFold = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
)

// normalizeTurkishName folds case using Turkish rules, strips diacritics to
// their ASCII equivalent, and collapses whitespace, producing a canonical
// form for name comparison.
func normalizeTurkishName(name string) string {
	folded := turkishFolder.String(strings.TrimSpace(name))
	folded = asciiFold.Replace(folded)
	fields := strings.Fields(folded)
	return strings.Join(fields, " ")
}

// compareTurkishNames reports whether provided matches stored under
// Turkish-aware, diacritic-insensitive, per-token containment comparison: a
// customer who drops a middle name still matches, but a single first name
// against a two-token stored name does not. Tokenization happens after
// normalizeTurkishName folds case and diacritics, so "Gökhan" and "Gokhan"
// tokenize identically.
//
// provided must supply at least 2 tokens when stored has 2 or more (else 1
// is enough), and every provided token must be contained in, or contain,
// some stored token.
func compareTurkishNames(stored, provided string) bool {
	if strings.TrimSpace(stored) == "" || strings.TrimSpace(provided) == "" {
		return false
	}
	storedTokens := strings.Fields(normalizeTurkishName(stored))
	providedTokens := strings.Fields(normalizeTurkishName(provided))
	if len(storedTokens) == 0 || len(providedTokens) == 0 {
		return false
	}
	required := 1
	if len(storedTokens) >= 2 {
		required = 2
	}
	if len(providedTokens) < required {
		return false
	}
	for _, pt := range providedTokens {
		matched := false
		for _, st := range storedTokens {
			if strings.Contains(pt, st) || strings.Contains(st, pt) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
