package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForJSONB(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "hello world", "hello world"},
		{"nul stripped", "a\x00b", "ab"},
		{"multiple nuls stripped", "\x00a\x00b\x00", "ab"},
		{"invalid byte stripped", "a\xffb", "ab"},
		{"lone surrogate bytes stripped", "a\xed\xa0\x80b", "ab"},
		{"emoji preserved", "hi \U0001F600", "hi \U0001F600"},
		{"emoticon preserved", "<3 :)", "<3 :)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForJSONB(tt.in))
		})
	}
}

func TestSanitizeForJSONBIdempotent(t *testing.T) {
	inputs := []string{
		"clean",
		"a\x00b",
		"bad\xffbytes",
		"mixed\x00and\xedbad",
	}
	for _, in := range inputs {
		once := SanitizeForJSONB(in)
		assert.Equal(t, once, SanitizeForJSONB(once), "input %q", in)
	}
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if err := InitEncryption(key); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { encryptionKey = nil })

	secret := EncryptedString("sk-or-v1-abcdef")
	stored, err := secret.Value()
	assert.NoError(t, err)
	assert.NotEqual(t, string(secret), stored, "value must not be stored in plaintext")

	var got EncryptedString
	assert.NoError(t, got.Scan(stored))
	assert.Equal(t, secret, got)
}

func TestInitEncryptionRejectsWrongLength(t *testing.T) {
	assert.Error(t, InitEncryption(make([]byte, 16)))
	assert.Error(t, InitEncryption(nil))
}
