package utils

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

// SetTestFlag sets the command line flag `name` to `value` until the test and its subtests finish.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	prevValue := flagHolder.Value.String()
	require.NoError(t, flag.Set(name, value), "Invalid value for flag %s", name)
	t.Cleanup(func() { // Revert the flag value back to its original when the test is done.
		if err := flag.Set(name, prevValue); err != nil {
			t.Errorf("Failed to restore flag %s to %q: %v", name, prevValue, err)
		}
	})
}
