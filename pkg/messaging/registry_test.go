package messaging

import (
	"context"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{}

func (nopBackend) Publish(context.Context, Key, Payload) error { return nil }

func (nopBackend) Consume(context.Context, string) (Stream, error) {
	return nil, nil
}

func (nopBackend) Close(context.Context) error { return nil }

func TestRegisterBackend(t *testing.T) {
	RegisterBackend("test-nop", func() (Backend, error) {
		return nopBackend{}, nil
	})
	RegisterBackend("test-broken", func() (Backend, error) {
		return nil, errors.New("no connection string")
	})

	require.Contains(t, Backends(), "test-nop")
	require.Contains(t, Backends(), "test-broken")

	backend, err := NewBackend("test-nop")
	require.NoError(t, err)
	require.Equal(t, nopBackend{}, backend)

	_, err = NewBackend("test-broken")
	require.Error(t, err)
	require.Contains(t, err.Error(), "error initializing test-broken backend")
	require.Contains(t, err.Error(), "no connection string")

	_, err = NewBackend("test-missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown backend "test-missing"`)

	require.Panics(t, func() {
		RegisterBackend("test-nop", func() (Backend, error) {
			return nopBackend{}, nil
		})
	})
	require.Panics(t, func() {
		RegisterBackend("test-nil", nil)
	})
}

func TestNewBackendFromEnvironment(t *testing.T) {
	RegisterBackend("test-env", func() (Backend, error) {
		return nopBackend{}, nil
	})
	os.Setenv("MESSAGING_BACKEND", "test-env")
	defer os.Unsetenv("MESSAGING_BACKEND")
	backend, err := NewBackendFromEnvironment()
	require.NoError(t, err)
	require.Equal(t, nopBackend{}, backend)
}

func TestBackendsSorted(t *testing.T) {
	names := Backends()
	for i := 1; i < len(names); i++ {
		require.True(t, names[i-1] < names[i])
	}
}
