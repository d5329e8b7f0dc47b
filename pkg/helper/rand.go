package helper

import (
	"crypto/rand"
	"io"
	"math/big"
)

const letters = "abcdefghijklmnopqrstuvwxyz"

// RandLetters returns a random string of n lowercase letters using r as the
// random reader; If r is nil, rand.Reader will be used instead.
func RandLetters(n int, r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}

	ret := make([]byte, n)

	for i := 0; i < n; i++ {
		num, err := rand.Int(r, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}

		ret[i] = letters[num.Int64()]
	}

	return string(ret), nil
}
