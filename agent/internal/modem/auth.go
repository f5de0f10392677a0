package modem

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Password types reported by /api/user/state-login.
const (
	passwordTypeBase64 = "0"
	passwordTypeSHA256 = "4"
)

// encodePassword produces the Password field for /api/user/login.
//
// Type 4: base64(hex(sha256(username + base64(hex(sha256(password))) + token)))
// Otherwise: base64(password)
func encodePassword(passwordType, username, password, token string) string {
	if passwordType != passwordTypeSHA256 {
		return base64.StdEncoding.EncodeToString([]byte(password))
	}
	inner := sha256.Sum256([]byte(password))
	innerB64 := base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(inner[:])))
	outer := sha256.Sum256([]byte(username + innerB64 + token))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(outer[:])))
}

// scramChallenge is the server half of the SCRAM exchange.
type scramChallenge struct {
	Salt        string // hex
	ServerNonce string
	Iterations  int
}

// newClientNonce returns a 32-byte random nonce, hex encoded.
func newClientNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// scramClientProof computes the hex proof sent to
// /api/user/authentication_login.
func scramClientProof(password, clientNonce string, ch scramChallenge) (string, error) {
	salt, err := hex.DecodeString(ch.Salt)
	if err != nil {
		return "", fmt.Errorf("decoding salt: %w", err)
	}
	if ch.Iterations <= 0 {
		return "", fmt.Errorf("invalid iteration count %d", ch.Iterations)
	}

	salted := pbkdf2.Key([]byte(password), salt, ch.Iterations, 32, sha256.New)
	clientKey := hmacSHA256([]byte("Client Key"), salted)
	storedKey := sha256.Sum256(clientKey)
	authMessage := clientNonce + "," + ch.ServerNonce + "," + ch.ServerNonce
	signature := hmacSHA256([]byte(authMessage), storedKey[:])

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	return hex.EncodeToString(proof), nil
}

func hmacSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}
