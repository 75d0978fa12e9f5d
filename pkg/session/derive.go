package session

import "crypto/sha256"

func deriveKeySHA256(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}
