package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	cases := []struct {
		raw   string
		bytes int64
	}{
		{"512 MiB", 512 << 20},
		{"2048MiB", 2048 << 20},
		{"2GB", 2 << 30},
		{"1024B", 1024},
		{"1.5GiB", int64(1.5 * float64(1<<30))},
	}
	for _, c := range cases {
		m, err := ParseMemory(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.bytes, m.Bytes, c.raw)
		assert.Equal(t, c.raw, m.Raw, c.raw)
	}
}

func TestParseMemory_Rejects(t *testing.T) {
	for _, raw := range []string{"", "MiB", "512", "-1MiB", "0MiB", "512XB"} {
		_, err := ParseMemory(raw)
		assert.Error(t, err, raw)
	}
}

func TestMemory_MiB_RoundsUpMinimumOne(t *testing.T) {
	m := Memory{Bytes: 1}
	assert.Equal(t, int64(1), m.MiB())

	m2 := Memory{Bytes: (3 << 20) + 1}
	assert.Equal(t, int64(4), m2.MiB())

	m3 := Memory{Bytes: 4 << 20}
	assert.Equal(t, int64(4), m3.MiB())
}
