package netfs

import (
	"encoding/hex"
	"errors"
	"unicode/utf16"

	"digital.vasic.vfs/pkg/rid"
)

// Credential key suffixes.
const (
	KeyPassword      = 'P'
	KeyFile          = 'F'
	KeyPassphrase    = 'K'
	credentialSuffix = "#"
)

// CredentialKey returns the preference key holding one credential of the
// root identified by id.
func CredentialKey(id rid.ID, kind byte) string {
	return id.String() + credentialSuffix + string(rune(kind))
}

// EncodeSecret hex-encodes the UTF-16BE bytes of s. This only keeps
// secrets from being readable at a glance; it is not encryption.
func EncodeSecret(s string) string {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, len(units)*2)
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return hex.EncodeToString(buf)
}

// DecodeSecret reverses EncodeSecret.
func DecodeSecret(s string) (string, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	if len(buf)%2 != 0 {
		return "", errors.New("odd secret length")
	}
	units := make([]uint16, 0, len(buf)/2)
	for i := 0; i < len(buf); i += 2 {
		units = append(units, uint16(buf[i])<<8|uint16(buf[i+1]))
	}
	return string(utf16.Decode(units)), nil
}
