package protocol

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

// Log payloads are decoded as fixed-width 32-byte words at offsets derived
// from the event's declared field order. No dynamic ABI introspection: the
// event set each listener emits is fixed.

const wordSize = 32

// word returns the i-th 32-byte word of data, or an error when data is too
// short. Never panics, whatever the input length.
func word(data []byte, i int) ([]byte, error) {
	if i < 0 {
		return nil, fmt.Errorf("negative word index %d", i)
	}
	start := i * wordSize
	end := start + wordSize
	if start < 0 || end > len(data) {
		return nil, fmt.Errorf("data too short: want word %d, have %d bytes", i, len(data))
	}
	return data[start:end], nil
}

// wordCount reports how many whole words data holds.
func wordCount(data []byte) int {
	return len(data) / wordSize
}

// wordAddress extracts an address from a word: the low 20 bytes.
func wordAddress(w []byte) common.Address {
	return common.BytesToAddress(w[len(w)-common.AddressLength:])
}

// wordUint reads a word as an unsigned big-endian integer.
func wordUint(w []byte) *big.Int {
	return new(big.Int).SetBytes(w)
}

// wordInt reads a word as a signed two's-complement big-endian integer.
func wordInt(w []byte) *big.Int {
	v := new(big.Int).SetBytes(w)
	if len(w) > 0 && w[0]&0x80 != 0 {
		max := new(big.Int).Lsh(big.NewInt(1), uint(len(w))*8)
		v.Sub(v, max)
	}
	return v
}

// wordText interprets a word as fixed-width text (memo tags and short
// codes), trimming padding and dropping non-printable bytes.
func wordText(w []byte) string {
	trimmed := strings.TrimRight(string(w), "\x00")
	var b strings.Builder
	for _, r := range trimmed {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
