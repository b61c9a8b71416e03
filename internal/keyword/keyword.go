// Package keyword classifies free text into shortcut categories so a contact
// who types "segunda via do boleto" skips the menu and lands on billing.
//
// Matching is case and diacritic insensitive and only counts whole words or
// whole phrases; "boletos" does not match "boleto".
package keyword

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category names a shortcut class.
type Category string

const (
	Billing Category = "billing"
	Support Category = "support"
	Sales   Category = "sales"
	Human   Category = "human"
	Status  Category = "status"
	Exit    Category = "exit"
)

const (
	baseConfidence  = 0.85
	extraHitBonus   = 0.05
	exactConfidence = 1.0
	ambiguityCost   = 0.1
)

// Rule lists the keywords of one category and the routing code it points to.
type Rule struct {
	Category Category
	Target   string
	Keywords []string
}

// Match is the best category found in a message.
type Match struct {
	Category   Category
	Target     string
	Keywords   []string
	Confidence float64
}

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	phrases [][]string
}

// DefaultRules returns the built-in categories.
func DefaultRules() []Rule {
	return []Rule{
		{Category: Billing, Target: "NUC_FINANCEIRO", Keywords: []string{
			"boleto", "fatura", "pagamento", "pagar", "cobranca", "segunda via",
			"nota fiscal", "reembolso", "invoice", "billing", "payment", "refund",
		}},
		{Category: Support, Target: "NUC_SUPORTE", Keywords: []string{
			"suporte", "erro", "problema", "nao funciona", "travou", "bug",
			"defeito", "support", "error", "broken", "not working",
		}},
		{Category: Sales, Target: "NUC_COMERCIAL", Keywords: []string{
			"comprar", "orcamento", "preco", "contratar", "vendas", "planos",
			"proposta", "buy", "pricing", "quote", "sales",
		}},
		{Category: Human, Target: "NUC_GERAL", Keywords: []string{
			"atendente", "humano", "pessoa", "falar com alguem", "operador",
			"agent", "human", "representative",
		}},
		{Category: Status, Target: "NUC_SUPORTE", Keywords: []string{
			"status", "protocolo", "andamento", "acompanhar", "rastreio",
			"tracking", "order status",
		}},
		{Category: Exit, Keywords: []string{
			"encerrar", "finalizar", "tchau", "era so isso", "bye", "thats all",
		}},
	}
}

// New builds a Matcher. With no rules, DefaultRules are used.
func New(rules ...Rule) *Matcher {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	m := &Matcher{}
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		for _, kw := range r.Keywords {
			if words := Words(kw); len(words) > 0 {
				cr.phrases = append(cr.phrases, words)
			}
		}
		m.rules = append(m.rules, cr)
	}
	return m
}

// Detect returns the best match for text, or false when nothing matched.
func (m *Matcher) Detect(text string) (Match, bool) {
	words := Words(text)
	if len(words) == 0 {
		return Match{}, false
	}
	whole := strings.Join(words, " ")

	var matches []Match
	for _, r := range m.rules {
		var hits []string
		exact := false
		for _, p := range r.phrases {
			if containsPhrase(words, p) {
				phrase := strings.Join(p, " ")
				hits = append(hits, phrase)
				if phrase == whole {
					exact = true
				}
			}
		}
		if len(hits) == 0 {
			continue
		}
		conf := baseConfidence + extraHitBonus*float64(len(hits)-1)
		if exact {
			conf = exactConfidence
		}
		if conf > 1 {
			conf = 1
		}
		matches = append(matches, Match{
			Category:   r.Category,
			Target:     r.Target,
			Keywords:   hits,
			Confidence: conf,
		})
	}
	if len(matches) == 0 {
		return Match{}, false
	}

	// stable keeps rule order as the tie-break
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	best := matches[0]
	if len(matches) > 1 && best.Confidence < exactConfidence {
		best.Confidence -= ambiguityCost
	}
	return best, true
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for j := range phrase {
			if words[i+j] != phrase[j] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Normalize lowercases s and strips diacritics.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Words splits normalized s on anything that is not a letter or digit.
// Apostrophes are dropped so "that's" becomes "thats".
func Words(s string) []string {
	s = strings.ReplaceAll(Normalize(s), "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
