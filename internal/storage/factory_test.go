package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	require.Error(t, err)
}

func TestDefaultStoreKindFromEnv(t *testing.T) {
	t.Setenv(StoreKindEnv, "")
	require.Equal(t, "memory", DefaultStoreKind())
	t.Setenv(StoreKindEnv, "sqlite")
	require.Equal(t, "sqlite", DefaultStoreKind())
}
