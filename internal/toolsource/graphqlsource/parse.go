package graphqlsource

import "strings"

// leadingKeyword returns "query", "mutation", or "" if operation starts
// with neither keyword before its first "{".
func leadingKeyword(operation string) string {
	head := operation
	if i := strings.IndexByte(operation, '{'); i >= 0 {
		head = operation[:i]
	}
	head = strings.ToLower(strings.TrimSpace(head))
	switch {
	case strings.HasPrefix(head, "mutation"):
		return "mutation"
	case strings.HasPrefix(head, "query"):
		return "query"
	default:
		return ""
	}
}

// topLevelFields extracts the field names of the outermost selection set's
// direct children, ignoring nested selection sets, arguments, aliases, and
// directives. It is a shallow brace-depth scanner, not a full GraphQL
// parser: sufficient for §4.7 decomposition, which only needs top-level
// field names, not their sub-selections.
func topLevelFields(operation string) []string {
	start := strings.IndexByte(operation, '{')
	if start < 0 {
		return nil
	}
	body := operation[start+1:]

	var fields []string
	braceDepth, parenDepth := 0, 0
	token := strings.Builder{}
	flush := func() {
		name := strings.TrimSpace(token.String())
		token.Reset()
		if name == "" {
			return
		}
		// Strip any trailing "(args)" left attached by the scanner, then an
		// "alias: field" prefix down to the field name. Directives
		// ("@include(...)") are not fields and are dropped.
		if i := strings.IndexByte(name, '('); i >= 0 {
			name = name[:i]
		}
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = strings.TrimSpace(name[i+1:])
		}
		if name != "" && !strings.HasPrefix(name, "@") {
			fields = append(fields, name)
		}
	}

	for _, r := range body {
		switch {
		case r == '(' && braceDepth == 0:
			parenDepth++
			token.WriteRune(r)
		case r == ')' && braceDepth == 0:
			parenDepth--
			token.WriteRune(r)
		case parenDepth > 0:
			// Inside a field's arguments: keep everything, including the
			// braces of an input-object literal, as part of the token.
			token.WriteRune(r)
		case r == '{':
			if braceDepth == 0 && parenDepth == 0 {
				flush()
			}
			braceDepth++
		case r == '}':
			if braceDepth == 0 {
				flush()
				return fields
			}
			braceDepth--
			if braceDepth == 0 {
				token.Reset()
			}
		case (r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == ',') && braceDepth == 0 && parenDepth == 0:
			flush()
		default:
			if braceDepth == 0 {
				token.WriteRune(r)
			}
		}
	}
	flush()
	return fields
}
