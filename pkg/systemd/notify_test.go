package systemd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	for _, fn := range []func() (bool, error){
		Ready,
		Stopping,
		func() (bool, error) { return Status("running %d posts", 3) },
	} {
		sent, err := fn()
		require.NoError(t, err)
		require.False(t, sent)
	}
}
