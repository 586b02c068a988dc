package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kapub/internal/telemetry"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "cache")
	store := NewStore(dir, &telemetry.Recorder{})

	_, ok := store.Load(ctx)
	require.False(t, ok, "empty store should not yield a credential")

	err := store.Save(ctx, "CMS_SESSION_ID=abc123")
	if err != nil {
		t.Fatal(err)
	}

	cred, ok := store.Load(ctx)
	require.True(t, ok)
	require.Equal(t, Credential("CMS_SESSION_ID=abc123"), cred)

	contents, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "CMS_SESSION_ID=abc123\n", string(contents))
}

func TestStoreReplace(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir(), &telemetry.Recorder{})

	require.NoError(t, store.Save(ctx, "CMS_SESSION_ID=first"))
	require.NoError(t, store.Save(ctx, "CMS_SESSION_ID=second"))

	cred, ok := store.Load(ctx)
	require.True(t, ok)
	require.Equal(t, Credential("CMS_SESSION_ID=second"), cred)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}

func TestStoreMalformedRecord(t *testing.T) {
	ctx := context.Background()

	table := []struct {
		name     string
		contents string
	}{
		{name: "empty", contents: ""},
		{name: "blank line", contents: "\n"},
		{name: "spaces", contents: "CMS_SESSION_ID=a b\n"},
		{name: "cookie attributes", contents: "CMS_SESSION_ID=a; path=/\n"},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			dir := t.TempDir()
			err := os.WriteFile(filepath.Join(dir, recordName), []byte(row.contents), 0600)
			if err != nil {
				t.Fatal(err)
			}
			store := NewStore(dir, &telemetry.Recorder{})
			_, ok := store.Load(ctx)
			require.False(t, ok)
		})
	}
}

func TestStoreOnlyFirstLine(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, recordName), []byte("CMS_SESSION_ID=one\ngarbage\n"), 0600)
	if err != nil {
		t.Fatal(err)
	}

	cred, ok := NewStore(dir, &telemetry.Recorder{}).Load(context.Background())
	require.True(t, ok)
	require.Equal(t, Credential("CMS_SESSION_ID=one"), cred)
}

func TestStoreSaveFailure(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	blocker := filepath.Join(parent, "cache")
	err := os.WriteFile(blocker, []byte("not a directory"), 0600)
	if err != nil {
		t.Fatal(err)
	}

	tel := &telemetry.Recorder{}
	store := NewStore(blocker, tel)

	err = store.Save(ctx, "CMS_SESSION_ID=abc")
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "save", perr.Op)
	require.Len(t, tel.Reports("broken"), 1)

	_, ok := store.Load(ctx)
	require.False(t, ok, "an unusable store behaves like an empty one")
}

func TestStoreRejectsMalformedCredential(t *testing.T) {
	store := NewStore(t.TempDir(), &telemetry.Recorder{})
	err := store.Save(context.Background(), "two words")
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewStore(t.TempDir(), &telemetry.Recorder{})

	require.NoError(t, store.Clear(ctx), "clearing an empty store is not an error")
	require.NoError(t, store.Save(ctx, "CMS_SESSION_ID=abc"))
	require.NoError(t, store.Clear(ctx))

	_, ok := store.Load(ctx)
	require.False(t, ok)
}
