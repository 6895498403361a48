// Package normalize provides the pure text-folding used everywhere names are
// compared: accent stripping, per-kind prefix removal, and numeral rewriting.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/imobcrm/geodedup/internal/model"
)

// kindPrefixes lists the leading tokens stripped per entity kind before
// comparison. Only the first matching prefix is removed, and only at the start.
var kindPrefixes = map[model.EntityKind][]string{
	model.KindNeighborhood: {"setor", "jardim", "parque", "vila", "residencial", "conjunto", "nucleo", "bairro"},
	model.KindCondo:        {"edificio", "condominio", "residencial", "torre", "bloco", "ed", "cond"},
}

// numeralWords maps whole-word Roman and Portuguese word numerals to Arabic
// digits. Rewriting keeps "Quadra II" and "Quadra 2" on the same key while
// preserving the numeric suffix that distinguishes "Quadra 2" from "Quadra 3".
var numeralWords = map[string]string{
	"i": "1", "ii": "2", "iii": "3", "iv": "4", "v": "5",
	"vi": "6", "vii": "7", "viii": "8", "ix": "9", "x": "10",
	"um": "1", "dois": "2", "tres": "3", "quatro": "4", "cinco": "5",
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases, strips combining marks, and collapses whitespace runs.
// Idempotent: Fold(Fold(s)) == Fold(s).
func Fold(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(s), " ")
}

// FoldForKind folds s, removes a single registered leading prefix for the
// kind, then rewrites whole-word numerals to Arabic digits.
func FoldForKind(s string, kind model.EntityKind) string {
	s = Fold(s)
	if s == "" {
		return s
	}

	if prefixes := kindPrefixes[kind]; len(prefixes) > 0 {
		for _, p := range prefixes {
			rest, ok := strings.CutPrefix(s, p+" ")
			if ok {
				s = rest
				break
			}
		}
	}

	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if digit, ok := numeralWords[tok]; ok {
			tokens[i] = digit
		}
	}
	return strings.Join(tokens, " ")
}

// DiceBigram computes the Sørensen-Dice coefficient over multisets of
// consecutive 2-rune substrings of the folded inputs. Result is in [0,1];
// 1.0 iff the folded strings are equal.
func DiceBigram(a, b string) float64 {
	a, b = Fold(a), Fold(b)
	if a == b {
		return 1.0
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	overlap := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			overlap++
		}
	}
	return 2 * float64(overlap) / float64(len(ba)+len(bb))
}

func bigrams(s string) []string {
	r := []rune(s)
	if len(r) < 2 {
		return nil
	}
	out := make([]string, 0, len(r)-1)
	for i := 0; i+1 < len(r); i++ {
		out = append(out, string(r[i:i+2]))
	}
	return out
}
