package intentlog

import (
	"math/big"

	"github.com/google/uuid"
)

const base62Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// IntToBase62 encodes a positive integer using [0-9A-Za-z].
func IntToBase62(n *big.Int) string {
	if n.Sign() <= 0 {
		return "0"
	}
	base := big.NewInt(int64(len(base62Digits)))
	num := new(big.Int).Set(n)
	rem := new(big.Int)
	var buf []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, rem)
		buf = append(buf, base62Digits[rem.Int64()])
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// NewUID returns a fresh 22-character base62 intent id backed by a
// 128-bit random value. Shorter encodings are zero-padded so ids line
// up in the log.
func NewUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	s := IntToBase62(n)
	for len(s) < 22 {
		s = "0" + s
	}
	return s
}
