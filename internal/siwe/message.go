// Package siwe builds the Sign-In-With-Ethereum challenge and recovers the
// address that signed it.
package siwe

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// messagePrefix is shared by the signing wallet and the verifier; any change
// here invalidates every signature produced against the old template.
const messagePrefix = "Sign in with Ethereum to the app. \naddress:"

const (
	nonceLength   = 17
	nonceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// BuildSignInMessage returns the text a wallet signs for address.
func BuildSignInMessage(address string) string {
	return messagePrefix + address
}

// ParseSignInMessage returns the address embedded in a message produced by
// BuildSignInMessage.
func ParseSignInMessage(message string) (string, bool) {
	address, ok := strings.CutPrefix(message, messagePrefix)
	if !ok || address == "" || strings.ContainsAny(address, "\r\n") {
		return "", false
	}
	return address, true
}

// IssueNonce returns a random alphanumeric token. Nothing records it.
func IssueNonce() (string, error) {
	limit := big.NewInt(int64(len(nonceAlphabet)))
	var b strings.Builder
	b.Grow(nonceLength)
	for i := 0; i < nonceLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("siwe: read entropy: %w", err)
		}
		b.WriteByte(nonceAlphabet[n.Int64()])
	}
	return b.String(), nil
}
