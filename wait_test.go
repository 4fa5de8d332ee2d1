package nearwire

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestWait_Forever(t *testing.T) {
	require.False(t, Forever.Bounded())
	require.Equal(t, "forever", Forever.String())

	var zero Wait
	require.False(t, zero.Bounded(), "the zero value is Forever")

	ch, stop := Forever.expiry(clock.New())
	defer stop()
	require.Nil(t, ch, "a Forever wait never fires")
}

func TestWait_For(t *testing.T) {
	w := For(2 * time.Second)
	require.True(t, w.Bounded())
	require.Equal(t, 2*time.Second, w.Budget())
	require.Equal(t, "2s", w.String())
}

func TestWait_ExpiryFires(t *testing.T) {
	mock := clock.NewMock()
	ch, stop := For(100 * time.Millisecond).expiry(mock)
	defer stop()

	select {
	case <-ch:
		t.Fatal("must not fire before the deadline")
	default:
	}

	mock.Add(100 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("must fire once the deadline passed")
	}
}
