package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEncryptionKey(t *testing.T) {
	valid := strings.Repeat("ab", 32) // 64 hex chars

	t.Run("absent disables BYOK", func(t *testing.T) {
		key, err := ParseEncryptionKey("")
		assert.NoError(t, err)
		assert.Nil(t, key)
	})

	t.Run("valid 64 hex chars", func(t *testing.T) {
		key, err := ParseEncryptionKey(valid)
		assert.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("rejects wrong lengths", func(t *testing.T) {
		for _, n := range []int{32, 63, 65} {
			raw := strings.Repeat("a", n)
			_, err := ParseEncryptionKey(raw)
			assert.Error(t, err, "length %d", n)
		}
	})

	t.Run("rejects non-hex characters", func(t *testing.T) {
		raw := valid[:63] + "g"
		_, err := ParseEncryptionKey(raw)
		assert.Error(t, err)
	})
}

func TestLoadRequiresRedisAndDatabase(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/chimera")
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "/data/avatars", cfg.AvatarsDir())
	assert.Equal(t, "/data/temp-attachments", cfg.TempAttachmentsDir())
}
