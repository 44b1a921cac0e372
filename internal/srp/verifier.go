package srp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// SaltSize is the salt length generated for new credentials.
const SaltSize = 16

// GenerateSalt returns a fresh random salt for credential setup.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: generate salt: %w", err)
	}
	return salt, nil
}

// ComputeVerifier derives the password verifier v = g^x mod N stored by
// the server side. The password itself is never stored.
func ComputeVerifier(group *Group, identity, password string, salt []byte) []byte {
	x := computeX(identity, password, salt)
	v := new(big.Int).Exp(group.G, x, group.N)
	return v.Bytes()
}
