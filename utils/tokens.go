package utils

import "crypto/rand"

// AccessToken is the claim set the external identity provider signs into
// access tokens. The server only verifies; it never issues tokens.
type AccessToken struct {
	ID       uint `json:"ID"`
	Verified bool `json:"verified"`
}

// GenerateShortToken returns a URL-safe random string of the given length (bytes*2 hex).
func GenerateShortToken(n int) string {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return ""
	}
	const hex = "0123456789abcdef"
	out := make([]byte, n*2)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out)
}
