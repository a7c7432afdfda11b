package rdb

import (
	"encoding/hex"
	"fmt"
)

// emptyHex is the canonical empty-database snapshot (REDIS0011, no keys),
// sent to a replica after FULLRESYNC.
const emptyHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a72656469732d62697473c040fa056374696d65c26d08bc65fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

var empty []byte

func init() {
	var err error
	empty, err = hex.DecodeString(emptyHex)
	if err != nil {
		panic(fmt.Sprintf("rdb: bad empty snapshot literal: %v", err))
	}
}

// Empty returns the empty snapshot bytes.
func Empty() []byte {
	out := make([]byte, len(empty))
	copy(out, empty)
	return out
}

// EmptyFrame returns the snapshot as sent on the wire: a bulk-string length
// prefix followed by the raw bytes, with no trailing CRLF.
func EmptyFrame() []byte {
	frame := []byte(fmt.Sprintf("$%d\r\n", len(empty)))
	return append(frame, empty...)
}
