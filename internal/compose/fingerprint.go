package compose

import (
	"errors"

	"github.com/nholik/skyward/internal/spec"
)

// Fingerprint identifies a rendered compose document. It uses the same hash
// as deployment generations so the two can be compared in tooling output.
func Fingerprint(body []byte) (string, error) {
	if len(body) == 0 {
		return "", errors.New("compose body is empty")
	}
	return spec.Fingerprint(body), nil
}
