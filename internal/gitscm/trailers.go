package gitscm

import (
	"sort"
	"strings"
)

// attrPrefix marks commit trailers carrying version attributes.
const attrPrefix = "modver-"

// withTrailers appends attrs to message as "key: value" trailer lines.
func withTrailers(message string, attrs map[string]string) string {
	message = strings.TrimRight(message, "\n")
	if len(attrs) == 0 {
		return message + "\n"
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(attrs[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// parseTrailers extracts version attributes from the last paragraph of a
// commit message.
func parseTrailers(message string) map[string]string {
	paragraphs := strings.Split(strings.TrimSpace(message), "\n\n")
	last := paragraphs[len(paragraphs)-1]
	attrs := make(map[string]string)
	for _, line := range strings.Split(last, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(key, attrPrefix) {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return attrs
}
