package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileCredentialsReadAndRefresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"t1","cookie":"c1"}`), 0o600))

	src := NewFileCredentials(path)
	ctx := context.Background()

	creds, err := src.Credentials(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", creds.Token)

	// The login tool rewrites the file; Refresh picks it up.
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"t2","cookie":"c2"}`), 0o600))
	creds, err = src.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "t2", creds.Token)
	require.Equal(t, "c2", creds.Cookie)
}

func TestFileCredentialsRejectsIncomplete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"only"}`), 0o600))

	_, err := NewFileCredentials(path).Credentials(context.Background())
	require.Error(t, err)
}

func TestStaticCredentialsRefreshReturnsSamePair(t *testing.T) {
	t.Parallel()

	src := NewStaticCredentials("tok", "cook")
	ctx := context.Background()
	a, err := src.Credentials(ctx)
	require.NoError(t, err)
	b, err := src.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
