// Package deathhash commits to the details of a player's death so the record
// written to the ledger can later be checked against the off-chain log.
package deathhash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"unicode/utf8"
)

type Tuple struct {
	Wallet          string
	Zone            string
	Room            int
	FinalMessage    string
	StakeAmount     uint64
	TimestampMillis int64
}

// Canonical returns the exact bytes that are hashed: compact JSON with keys
// w, z, r, m, s, t in that order, strings quoted the way JSON.stringify
// quotes them. Changing it changes every hash.
func Canonical(t Tuple) []byte {
	b := make([]byte, 0, 96+len(t.Wallet)+len(t.Zone)+len(t.FinalMessage))
	b = append(b, `{"w":`...)
	b = appendString(b, t.Wallet)
	b = append(b, `,"z":`...)
	b = appendString(b, t.Zone)
	b = append(b, `,"r":`...)
	b = strconv.AppendInt(b, int64(t.Room), 10)
	b = append(b, `,"m":`...)
	b = appendString(b, t.FinalMessage)
	b = append(b, `,"s":`...)
	b = strconv.AppendUint(b, t.StakeAmount, 10)
	b = append(b, `,"t":`...)
	b = strconv.AppendInt(b, t.TimestampMillis, 10)
	return append(b, '}')
}

// appendString escapes only what JSON.stringify escapes: the quote, the
// backslash and C0 controls, using the short forms for \b \f \n \r \t and
// lowercase \u00xx otherwise. U+2028, U+2029, '<', '>' and '&' stay raw.
// Invalid UTF-8 is written as U+FFFD, as a UTF-8 decoder would read it.
func appendString(b []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	b = append(b, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			b = utf8.AppendRune(b, r)
			i += size
			continue
		}
		switch c {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\b':
			b = append(b, '\\', 'b')
		case '\f':
			b = append(b, '\\', 'f')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			if c < 0x20 {
				b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
			} else {
				b = append(b, c)
			}
		}
		i++
	}
	return append(b, '"')
}

func Hash(t Tuple) [32]byte { return sha256.Sum256(Canonical(t)) }

func Hex(t Tuple) string {
	h := Hash(t)
	return hex.EncodeToString(h[:])
}

// Verify recomputes the hash for t and compares it with want.
func Verify(t Tuple, want [32]byte) bool { return Hash(t) == want }
