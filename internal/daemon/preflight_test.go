package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixed(euid, ppid int) identity {
	return identity{
		euid: func() int { return euid },
		ppid: func() int { return ppid },
	}
}

func TestPreflight(t *testing.T) {
	tests := []struct {
		name string
		id   identity
		req  Requirements
		want error
	}{
		{"root under init", fixed(0, 1), Requirements{Root: true, Supervised: true}, nil},
		{"user", fixed(501, 1), Requirements{Root: true, Supervised: true}, ErrNotRoot},
		{"root from shell", fixed(0, 4242), Requirements{Root: true, Supervised: true}, ErrNotSupervised},
		{"root from shell, foreground", fixed(0, 4242), Requirements{Root: true}, nil},
		{"nothing required", fixed(501, 4242), Requirements{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.check(tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPreflightUsesProcessIdentity(t *testing.T) {
	assert.NoError(t, Preflight(Requirements{}))
	if geteuid() != 0 {
		assert.ErrorIs(t, Preflight(Requirements{Root: true}), ErrNotRoot)
	}
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(getppid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}
