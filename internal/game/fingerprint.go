package game

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint digests the logical state of s: side to move, piece placement, move count and
// captured pieces per side. LastMoved and Engine are excluded.
func Fingerprint(s Snapshot) string {
	sum := sha256.Sum256([]byte(Canonical(s)))
	return hex.EncodeToString(sum[:])
}

// Canonical renders the fields covered by Fingerprint in a stable order.
func Canonical(s Snapshot) string {
	var b strings.Builder
	b.WriteString("turn=")
	b.WriteString(string(s.Turn))
	b.WriteString(";moves=")
	b.WriteString(strconv.Itoa(s.MoveCount))

	pieces := append([]Piece(nil), s.Pieces...)
	sort.Slice(pieces, func(i, j int) bool {
		a, c := pieces[i], pieces[j]
		if a.At.Row != c.At.Row {
			return a.At.Row < c.At.Row
		}
		if a.At.Col != c.At.Col {
			return a.At.Col < c.At.Col
		}
		if a.Side != c.Side {
			return a.Side < c.Side
		}
		return a.Kind < c.Kind
	})
	b.WriteString(";pieces=")
	for _, p := range pieces {
		b.WriteString(strconv.Itoa(p.At.Row))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(p.At.Col))
		b.WriteByte(':')
		b.WriteString(string(p.Side))
		b.WriteByte('/')
		b.WriteString(p.Kind)
		b.WriteByte(' ')
	}

	for _, side := range []Side{White, Black} {
		kinds := append([]string(nil), s.Captured[side]...)
		sort.Strings(kinds)
		b.WriteString(";captured_")
		b.WriteString(string(side))
		b.WriteByte('=')
		b.WriteString(strings.Join(kinds, ","))
	}
	return b.String()
}
