package storage

import "regexp"

const maxKeyLen = 128

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SanitizeKey collapses every run of characters outside [A-Za-z0-9_-] into a
// single underscore so user-supplied ids cannot escape their key namespace.
func SanitizeKey(id string) string {
	clean := unsafeKeyChars.ReplaceAllString(id, "_")
	if len(clean) > maxKeyLen {
		clean = clean[:maxKeyLen]
	}
	return clean
}
