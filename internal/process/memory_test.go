package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512M", 512 * 1024 * 1024},
		{"1.5G", int64(1.5 * 1024 * 1024 * 1024)},
		{"2048", 2048},
		{"4k", 4 * 1024},
	}
	for _, c := range cases {
		got, err := ParseMemory(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got, c.in)
	}
}

func TestParseMemoryRejectsMalformed(t *testing.T) {
	_, err := ParseMemory("not-a-size")
	require.Error(t, err)
}
