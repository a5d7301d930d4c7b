package models

import (
	"crypto/rand"
	"encoding/hex"
)

// NewAlertID returns an opaque 16-byte random identifier in hex.
func NewAlertID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("rand.Read: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}
