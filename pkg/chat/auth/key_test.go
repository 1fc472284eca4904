package auth

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyService_StaticKey(t *testing.T) {
	svc := NewKeyService("static-key", "")
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	req, err := http.NewRequest(http.MethodPost, "http://upstream/api/threads", nil)
	require.NoError(t, err)
	svc.AddHeaders(req)
	assert.Equal(t, "static-key", req.Header.Get(HeaderAPIKey))
}

func TestKeyService_NoKey(t *testing.T) {
	svc := NewKeyService("", "")
	req, err := http.NewRequest(http.MethodPost, "http://upstream/api/threads", nil)
	require.NoError(t, err)
	svc.AddHeaders(req)
	_, ok := req.Header[http.CanonicalHeaderKey(HeaderAPIKey)]
	assert.False(t, ok)
}

func TestKeyService_FileRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-key")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewKeyService("static-key", path)
	svc.refreshPeriod = 10 * time.Millisecond
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	assert.Equal(t, "first", svc.GetKey())

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	assert.Eventually(t, func() bool {
		return svc.GetKey() == "second"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyService_MissingFileFallsBack(t *testing.T) {
	svc := NewKeyService("static-key", filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()
	assert.Equal(t, "static-key", svc.GetKey())
}
