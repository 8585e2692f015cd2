package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa-io/osa/internal/domain"
)

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"512", 512},
		{"1k", 1024},
		{"512m", 512 * 1 << 20},
		{"2g", 2 * 1 << 30},
		{"256Mi", 256 * 1 << 20},
		{"1Gi", 1 << 30},
		{"1.5g", 3 * 1 << 29},
		{"2G", 2 * 1 << 30},
		{" 64m ", 64 * 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMemory(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMemory_Invalid(t *testing.T) {
	for _, input := range []string{"abc", "-1g", "1t", "1gg", "g", "1 g", "0x10"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseMemory(input)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestNanoCPUs(t *testing.T) {
	assert.Equal(t, int64(500_000_000), NanoCPUs(0.5))
	assert.Equal(t, int64(2_000_000_000), NanoCPUs(2))
	assert.Equal(t, int64(0), NanoCPUs(0))
	assert.Equal(t, int64(0), NanoCPUs(-1))
}
