package email

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomAddress(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 50 {
		addr, err := RandomAddress("example.com")
		require.NoError(t, err)

		local, domain, ok := strings.Cut(addr, "@")
		require.True(t, ok, "address %q has no @", addr)
		assert.Equal(t, "example.com", domain)
		assert.Len(t, local, LocalPartLength)
		for _, r := range local {
			assert.Contains(t, localPartAlphabet, string(r))
		}
		seen[addr] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := NewMessage([]byte("hello\n"), now, true)
	b := NewMessage([]byte("hello\n"), now, false)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 6, a.Size())
	assert.True(t, a.Signed)
	assert.Equal(t, now, a.Received)
}
