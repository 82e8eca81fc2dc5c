// internal/native/headers.go
package native

import (
	"net/http"
	"strings"
)

// ParseHeaders splits the "::"-joined header block of Engine.LoadURL. The
// last of count lines keeps any further separators.
func ParseHeaders(joined string, count int) http.Header {
	if joined == "" || count == 0 {
		return nil
	}
	h := http.Header{}
	for _, line := range strings.SplitN(joined, "::", count) {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
