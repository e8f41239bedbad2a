package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA256 derives outLen bytes from ikm using HKDF-SHA256 with the given
// salt (may be nil/empty) and info (must be non-empty per X3DH convention;
// callers enforce that at their boundary, not here).
func HKDFSHA256(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf-sha256: %w", err)
	}
	return out, nil
}
