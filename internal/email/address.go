package email

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const localPartAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// LocalPartLength is the length of generated local parts.
const LocalPartLength = 10

// RandomAddress returns a throwaway address: ten random alphanumerics at domain.
func RandomAddress(domain string) (string, error) {
	local := make([]byte, LocalPartLength)
	limit := big.NewInt(int64(len(localPartAlphabet)))
	for i := range local {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate address: %w", err)
		}
		local[i] = localPartAlphabet[n.Int64()]
	}
	return string(local) + "@" + domain, nil
}
