// Package search parses admin search expressions into typed predicates.
// Parsing never fails: anything that does not look like a recognized
// field:value pair degrades to plain keyword terms.
package search

import (
	"strconv"
	"strings"
	"time"
)

// Fields usable in field-qualified clauses.
const (
	FieldFrom    = "from"
	FieldTo      = "to"
	FieldSubject = "subject"
	FieldBody    = "body"
)

// FieldTerm is one field-qualified content predicate (subject/body match via
// the token index, from/to via envelope columns).
type FieldTerm struct {
	Field string
	Value string
}

// Query is a parsed search expression. All predicates combine with AND.
type Query struct {
	Terms  []string    // bare keywords matched across every indexed source
	Fields []FieldTerm // field-qualified content terms
	IsRead *bool
	Since  *time.Time
	Until  *time.Time
}

// IsEmpty reports whether the query constrains nothing.
func (q Query) IsEmpty() bool {
	return len(q.Terms) == 0 && len(q.Fields) == 0 && q.IsRead == nil && q.Since == nil && q.Until == nil
}

// Parse parses a search expression relative to the current time.
func Parse(raw string) Query {
	return ParseAt(raw, time.Now().UTC())
}

// ParseAt parses a search expression. Clauses are separated by semicolons or
// whitespace; values may be double- or single-quoted to include spaces.
// Recognized fields: from, to, subject, body, is_read, date, recent. Unknown
// field names and unparseable values fall back to keyword terms.
func ParseAt(raw string, now time.Time) Query {
	var q Query

	for _, clause := range splitClauses(raw) {
		name, value, ok := splitFieldClause(clause)
		if !ok {
			q.Terms = append(q.Terms, clause)
			continue
		}

		switch name {
		case FieldFrom, "sender":
			q.Fields = append(q.Fields, FieldTerm{Field: FieldFrom, Value: value})
		case FieldTo, "recipient":
			q.Fields = append(q.Fields, FieldTerm{Field: FieldTo, Value: value})
		case FieldSubject:
			q.Fields = append(q.Fields, FieldTerm{Field: FieldSubject, Value: value})
		case FieldBody:
			q.Fields = append(q.Fields, FieldTerm{Field: FieldBody, Value: value})
		case "is_read", "read":
			if isRead, ok := parseBool(value); ok {
				q.IsRead = &isRead
			} else {
				q.Terms = append(q.Terms, keywordize(clause)...)
			}
		case "date":
			if day, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
				next := day.AddDate(0, 0, 1)
				q.Since = &day
				q.Until = &next
			} else {
				q.Terms = append(q.Terms, keywordize(clause)...)
			}
		case "recent":
			if d, ok := parseRecent(value); ok {
				since := now.Add(-d)
				q.Since = &since
			} else {
				q.Terms = append(q.Terms, keywordize(clause)...)
			}
		default:
			// Unknown field: graceful degradation to keywords.
			q.Terms = append(q.Terms, keywordize(clause)...)
		}
	}

	return q
}

// splitClauses breaks the raw expression on semicolons and whitespace while
// keeping quoted spans intact.
func splitClauses(raw string) []string {
	var (
		clauses []string
		current strings.Builder
		quote   rune
	)
	flush := func() {
		if clause := strings.TrimSpace(current.String()); clause != "" {
			clauses = append(clauses, clause)
		}
		current.Reset()
	}

	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ';' || r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return clauses
}

func splitFieldClause(clause string) (name, value string, ok bool) {
	idx := strings.Index(clause, ":")
	if idx <= 0 || idx == len(clause)-1 {
		return "", "", false
	}
	name = strings.ToLower(strings.TrimSpace(clause[:idx]))
	value = strings.TrimSpace(clause[idx+1:])
	value = strings.Trim(value, "\"'")
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

// keywordize turns a rejected field clause back into plain keywords.
func keywordize(clause string) []string {
	return strings.Fields(strings.ReplaceAll(clause, ":", " "))
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

// parseRecent understands windows like 30m, 12h, 7d.
func parseRecent(value string) (time.Duration, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch value[len(value)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}
