package shell

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceEnvVars(t *testing.T) {
	t.Setenv("TUYA_KEY", "abcdef0123456789")

	s := ReplaceEnvVars("key: ${TUYA_KEY}")
	require.Equal(t, "key: abcdef0123456789", s)

	s = ReplaceEnvVars("listen: ${TUYA_LISTEN::1984}")
	require.Equal(t, "listen: :1984", s)

	// unknown var without default stays as-is
	s = ReplaceEnvVars("host: ${TUYA_MISSING}")
	require.Equal(t, "host: ${TUYA_MISSING}", s)
}
