package devices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	require.Equal(t, true, parseValue("true"))
	require.Equal(t, false, parseValue("false"))
	require.Equal(t, float64(17), parseValue("17"))
	require.Equal(t, 0.5, parseValue("0.5"))
	require.Equal(t, "warm_white", parseValue("warm_white"))
	require.Equal(t, "colour", parseValue(`"colour"`))
}
