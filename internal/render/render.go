package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"lexflow/internal/clause"
	"lexflow/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Document is a rendered agreement: the selected clauses in section order
// with answer placeholders substituted.
type Document struct {
	TemplateID string    `json:"template_id"`
	Title      string    `json:"title"`
	Sections   []Section `json:"sections"`
	Missing    []string  `json:"missing_placeholders,omitempty"`
}

type Section struct {
	ClauseID string `json:"clause_id"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body"`
}

// Build assembles the document for one session: clause ids selected by the
// wizard's answers, resolved against the template's clause bodies.
// Placeholders with no matching answer are kept verbatim and reported in
// Missing so callers can warn about incomplete documents.
func Build(tpl *domain.Template, clauseIDs []string, answers map[string]domain.Answer) Document {
	bodies := make(map[string]domain.Clause, len(tpl.Clauses))
	for _, c := range tpl.Clauses {
		bodies[c.ID] = c
	}

	doc := Document{TemplateID: tpl.ID, Title: tpl.Name}
	missing := map[string]bool{}
	for _, id := range clause.OrderClauses(clauseIDs) {
		c, ok := bodies[id]
		if !ok {
			continue
		}
		body := placeholder.ReplaceAllStringFunc(c.Body, func(m string) string {
			key := placeholder.FindStringSubmatch(m)[1]
			if ans, ok := answers[key]; ok {
				return formatValue(ans.Value)
			}
			missing[key] = true
			return m
		})
		doc.Sections = append(doc.Sections, Section{ClauseID: c.ID, Title: c.Title, Body: body})
	}
	for key := range missing {
		doc.Missing = append(doc.Missing, key)
	}
	sort.Strings(doc.Missing)
	return doc
}

// Text flattens the document to plain text, one clause per block.
func (d Document) Text() string {
	var b strings.Builder
	b.WriteString(d.Title)
	b.WriteString("\n")
	for i, s := range d.Sections {
		b.WriteString("\n")
		if s.Title != "" {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s.Title)
		}
		b.WriteString(s.Body)
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
