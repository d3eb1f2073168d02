// Package phpser rewrites URLs inside SQL dumps of PHP applications.
//
// PHP applications persist many option values as serialized structures
// whose strings carry a byte-length prefix, as in
// `s:19:"http://example.com/";`. A plain text substitution that changes
// a URL's length leaves the prefix counting the old bytes, and the
// application later treats the whole value as corrupt. Theme settings,
// logos and widget layouts are the usual casualties, and the import
// still looks successful.
//
// RewriteURLs walks the dump once: inside each well-formed serialized
// string it substitutes the URL and recomputes the prefix, everywhere
// else it substitutes plainly.
package phpser

import (
	"strconv"
	"strings"
)

// RewriteURLs replaces sourceURL with targetURL throughout dump, keeping
// serialized length prefixes consistent. It returns the rewritten dump
// and the number of occurrences replaced. Identical or empty URLs make
// it a no-op.
func RewriteURLs(dump, sourceURL, targetURL string) (string, int) {
	if sourceURL == "" || targetURL == "" || sourceURL == targetURL {
		return dump, 0
	}

	var b strings.Builder
	b.Grow(len(dump))
	replaced := 0

	i := 0
	for i < len(dump) {
		start, payloadStart, length, ok := nextSerializedString(dump, i)
		if !ok {
			replaced += replaceInto(&b, dump[i:], sourceURL, targetURL)
			break
		}

		// Plain region before the serialized string.
		replaced += replaceInto(&b, dump[i:start], sourceURL, targetURL)

		payloadEnd := payloadStart + length
		if payloadEnd+2 > len(dump) {
			replaced += replaceInto(&b, dump[start:], sourceURL, targetURL)
			break
		}
		if dump[payloadEnd:payloadEnd+2] != `";` {
			// The length prefix does not line up with a terminator, so
			// this is not a real serialized string. Treat the region as
			// plain text.
			replaced += replaceInto(&b, dump[start:payloadEnd+2], sourceURL, targetURL)
			i = payloadEnd + 2
			continue
		}

		payload := dump[payloadStart:payloadEnd]
		if strings.Contains(payload, sourceURL) {
			newPayload := strings.ReplaceAll(payload, sourceURL, targetURL)
			replaced += strings.Count(payload, sourceURL)
			b.WriteString("s:")
			b.WriteString(strconv.Itoa(len(newPayload)))
			b.WriteString(`:"`)
			b.WriteString(newPayload)
		} else {
			b.WriteString(dump[start:payloadEnd])
		}
		b.WriteString(`";`)
		i = payloadEnd + 2
	}

	return b.String(), replaced
}

// nextSerializedString locates the next `s:<digits>:"` header at or after
// from. It returns the header's start, the payload's start, the declared
// payload length, and whether a header was found. The terminator is
// validated by the caller because the payload may legitimately contain
// quote characters.
func nextSerializedString(s string, from int) (start, payloadStart, length int, ok bool) {
	i := from
	for {
		idx := strings.Index(s[i:], "s:")
		if idx < 0 {
			return 0, 0, 0, false
		}
		j := i + idx

		k := j + 2
		digitsStart := k
		for k < len(s) && s[k] >= '0' && s[k] <= '9' {
			k++
		}
		if k > digitsStart && k+1 < len(s) && s[k] == ':' && s[k+1] == '"' {
			if n, err := strconv.Atoi(s[digitsStart:k]); err == nil {
				return j, k + 2, n, true
			}
		}

		i = j + 2
	}
}

// replaceInto writes s to b with all occurrences of old replaced by new,
// returning the number of replacements.
func replaceInto(b *strings.Builder, s, old, new string) int {
	c := strings.Count(s, old)
	if c == 0 {
		b.WriteString(s)
		return 0
	}
	b.WriteString(strings.ReplaceAll(s, old, new))
	return c
}
