package tokenizer

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// byteEncoder is GPT-2's reversible byte to printable rune mapping.
var byteEncoder, byteDecoder = buildByteTables()

func buildByteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	set := make([]bool, 256)
	for b := int('!'); b <= int('~'); b++ {
		enc[b], set[b] = rune(b), true
	}
	for b := int('¡'); b <= int('¬'); b++ {
		enc[b], set[b] = rune(b), true
	}
	for b := int('®'); b <= int('ÿ'); b++ {
		enc[b], set[b] = rune(b), true
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !set[b] {
			enc[b] = rune(256 + n)
			n++
		}
	}
	dec := make(map[rune]byte, 256)
	for b, r := range enc {
		dec[r] = byte(b)
	}
	return enc, dec
}

// byteLevelString maps raw bytes to their vocabulary spelling.
func byteLevelString(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteEncoder[s[i]])
	}
	return sb.String()
}

// byteLevelBytes reverses byteLevelString. Runes outside the table are kept as UTF-8.
func byteLevelBytes(piece string) []byte {
	out := make([]byte, 0, len(piece))
	for _, r := range piece {
		if b, ok := byteDecoder[r]; ok {
			out = append(out, b)
		} else {
			out = utf8.AppendRune(out, r)
		}
	}
	return out
}

const metaspace = "▁"

// byteFallbackPiece returns the <0xNN> piece of b.
func byteFallbackPiece(b byte) string {
	return "<0x" + strings.ToUpper(strconv.FormatUint(uint64(b)|0x100, 16)[1:]) + ">"
}

// metaspaceBytes decodes a SentencePiece piece: <0xNN> is a raw byte, ▁ a space.
func metaspaceBytes(piece string) []byte {
	if len(piece) == 6 && strings.HasPrefix(piece, "<0x") && piece[5] == '>' {
		if v, err := strconv.ParseUint(piece[3:5], 16, 8); err == nil {
			return []byte{byte(v)}
		}
	}
	return []byte(strings.ReplaceAll(piece, metaspace, " "))
}
