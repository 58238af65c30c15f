// Package guid generates the workflow identifier format used across the
// runtime: "H" followed by a 21-character alphanumeric nanoid. The leading
// letter keeps identifiers safe for systems that reject leading digits.
package guid

import (
	gonanoid "github.com/matoous/go-nanoid"
)

const (
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	size     = 21
)

// New returns a fresh GUID of the form "H" + 21 alphanumeric characters.
func New() string {
	id, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		// The only failure mode is the OS entropy source; there is no
		// reasonable fallback for identifier generation.
		panic("guid: entropy source unavailable: " + err.Error())
	}
	return "H" + id
}
