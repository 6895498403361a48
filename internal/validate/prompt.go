package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imobcrm/geodedup/internal/model"
)

// Rubric is the adjudication rule set. The validator's behavior depends on
// this exact wording: it is embedded verbatim in every prompt variant and
// versioned alongside the code. Do not edit casually.
const Rubric = `Rules for deciding whether candidate places are duplicates:

1. NUMERIC SUFFIX: members whose only differentiating component is a Roman or
   Arabic numeral suffix (I/1, II/2, III/3, ...) are DISTINCT places, never
   duplicates. "Parque Industrial I" and "Parque Industrial II" are different.
2. CARDINAL DIRECTION: members differing only by Norte/Sul/Leste/Oeste are
   DISTINCT places.
3. CITY GEOGRAPHIC COMPLEMENT: a city name with an extra geographic complement
   is a DIFFERENT municipality. "São Geraldo" and "São Geraldo do Baixio" are
   separate municipalities; each IBGE code is a separate entity.
4. NEIGHBORHOOD SECTOR COMPLEMENT: "Setor Marista" and "Setor Marista Sul" are
   DISTINCT neighborhoods.
5. SPELLING VARIATION: variants of the same name (accents, casing, internal
   whitespace) ARE duplicates. "Jardim América" and "Jardim America" are the
   same place.
6. ABBREVIATION: abbreviated and full forms of the same name ARE duplicates.
   "Ed. Aurora" and "Edifício Aurora" are the same building.
7. PREFIX EQUIVALENCE: "Condomínio X", "Residencial X" and plain "X" MAY be
   the same place if the geographic context confirms it.
8. MISSING VS PRESENT NUMERAL: a bare name versus the same name with a numeral
   ("Belvedere" vs "Belvedere 1") is a POSSIBLE duplicate — use the full
   address and context to confirm before merging.`

// systemPrompt frames the adjudication task. Responses must be raw JSON so
// the decision parser never needs to strip prose.
const systemPrompt = `You are a data-quality analyst for Brazilian geographic reference data (states, cities, neighborhoods, streets, condominiums). You receive groups of candidate duplicate place names discovered by trigram similarity and decide, per group, whether the members truly refer to the same real-world place.

` + Rubric + `

For every group return a JSON object:
{"group": "<group key>", "confirmed": true|false, "confidence": 0.0-1.0, "canonical_name": "<best official spelling or empty>", "rationale": "<one sentence citing the rule applied>", "valid_member_ids": ["<id>", ...]}

valid_member_ids lists ONLY the members that are duplicates of each other; it may be a strict subset when some members do not belong. Use [] when confirmed is false.
Respond with a JSON array of these objects, one per group, and nothing else.`

// GroupInput is one candidate group presented for adjudication.
type GroupInput struct {
	Key         string // correlation key, unique within the batch
	Kind        model.EntityKind
	MemberIDs   []string
	MemberNames []string

	// Resolved geographic context, empty fields omitted from the prompt.
	State        string
	City         string
	Neighborhood string
	Street       string
}

// kindLabel returns the human label used in prompts.
func kindLabel(k model.EntityKind) string {
	switch k {
	case model.KindCity:
		return "cidade (municipality)"
	case model.KindNeighborhood:
		return "bairro (neighborhood)"
	case model.KindStreet:
		return "rua (street)"
	case model.KindCondo:
		return "condomínio (condominium/building)"
	default:
		return string(k)
	}
}

// SystemPrompt returns the system instruction, rubric included.
func SystemPrompt() string {
	return systemPrompt
}

// BatchPrompt renders the user message listing every group of a batch.
func BatchPrompt(groups []GroupInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Adjudicate the following %d candidate duplicate group(s).\n", len(groups))

	for _, g := range groups {
		fmt.Fprintf(&sb, "\nGroup %s — type: %s\n", g.Key, kindLabel(g.Kind))

		var ctx []string
		if g.State != "" {
			ctx = append(ctx, "state: "+g.State)
		}
		if g.City != "" {
			ctx = append(ctx, "city: "+g.City)
		}
		if g.Neighborhood != "" {
			ctx = append(ctx, "neighborhood: "+g.Neighborhood)
		}
		if g.Street != "" {
			ctx = append(ctx, "street: "+g.Street)
		}
		if len(ctx) > 0 {
			fmt.Fprintf(&sb, "Context: %s\n", strings.Join(ctx, ", "))
		}

		sb.WriteString("Members:\n")
		for i, id := range g.MemberIDs {
			name := ""
			if i < len(g.MemberNames) {
				name = g.MemberNames[i]
			}
			fmt.Fprintf(&sb, "  - id=%s name=%q\n", id, name)
		}
	}
	return sb.String()
}

// Decision is the validator's structured verdict for one group.
type Decision struct {
	Group          string   `json:"group"`
	Confirmed      bool     `json:"confirmed"`
	Confidence     float64  `json:"confidence"`
	CanonicalName  string   `json:"canonical_name"`
	Rationale      string   `json:"rationale"`
	ValidMemberIDs []string `json:"valid_member_ids"`
}

// ParseDecisions decodes the model's response. The model is instructed to
// return a bare JSON array, but a fenced code block is tolerated.
func ParseDecisions(text string) ([]Decision, error) {
	trimmed := strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")

	var out []Decision
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &out); err != nil {
		return nil, err
	}
	return out, nil
}
