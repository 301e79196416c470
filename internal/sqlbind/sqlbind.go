// Package sqlbind adapts the '?' placeholder style the stores and queues are
// written in to other SQL dialects.
package sqlbind

import (
	"strconv"
	"strings"
)

// Dollar rewrites '?' placeholders as $1, $2, ... for PostgreSQL.
func Dollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
