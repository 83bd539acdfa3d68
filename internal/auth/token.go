// Package auth hashes and verifies the operator API token.
package auth

import "github.com/alexedwards/argon2id"

var DefaultTokenParams = &argon2id.Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashToken produces the argon2id hash served to operators for
// API_TOKEN_HASH.
func HashToken(token string) (string, error) {
	return argon2id.CreateHash(token, DefaultTokenParams)
}

// VerifyToken reports whether token matches the configured hash.
func VerifyToken(token, hash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(token, hash)
}
