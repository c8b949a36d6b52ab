package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDev(t *testing.T) {
	for _, v := range []string{"development", "DEV", "dev"} {
		t.Setenv(EnvVar, v)
		assert.True(t, IsDev(), v)
	}
	for _, v := range []string{"", "production", "staging"} {
		t.Setenv(EnvVar, v)
		assert.False(t, IsDev(), v)
	}
}
