package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/store"
	"github.com/fyrsmithlabs/dealflow/internal/store/storetest"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dealflow.db")
	s, err := OpenSQLite(path + "?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Conformance(t *testing.T) {
	storetest.Run(t, newSQLiteStore)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newSQLiteStore(t).(*Store)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealflow.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)

	th, created, err := s.EnsureThread(context.Background(), store.NewThread{OwnerID: "o1", Counterparty: "Acme", Now: storetest.T0})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Counterparty)
}
