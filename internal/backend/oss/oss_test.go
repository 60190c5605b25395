package oss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Backend) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	b, err := New(Config{
		Endpoint: srv.URL,
		Bucket:   "images",
	}, types.StaticCredentials{Username: "access-key", Password: "secret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return srv, b
}

func TestReadRange_SignedRangeRequest(t *testing.T) {
	payload := []byte("hello, chunk store")

	var gotPath, gotRange, gotAuth, gotDate string
	_, b := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRange = r.Header.Get("Range")
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("Date")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[7:12])
	})

	data, err := b.ReadRange(context.Background(), "blob-1", 7, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte(", chu"), data)

	assert.Equal(t, "/images/blob-1", gotPath)
	assert.Equal(t, "bytes=7-11", gotRange)
	require.NotEmpty(t, gotDate)

	// Authorization must be "OSS <access>:<sig>" with the HMAC-SHA1 over
	// verb, date, and canonical resource.
	require.True(t, strings.HasPrefix(gotAuth, "OSS access-key:"))
	wantSig := sign("secret", http.MethodGet, gotDate, "/images/blob-1")
	assert.Equal(t, "OSS access-key:"+wantSig, gotAuth)
}

func TestReadRange_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		code   errors.ErrorCode
	}{
		{http.StatusNotFound, errors.ErrCodeBlobNotFound},
		{http.StatusUnauthorized, errors.ErrCodeAuthFailed},
		{http.StatusForbidden, errors.ErrCodeAuthFailed},
		{http.StatusInternalServerError, errors.ErrCodeBackendTransient},
		{http.StatusBadGateway, errors.ErrCodeBackendTransient},
		{http.StatusTooManyRequests, errors.ErrCodeBackendTransient},
		{http.StatusRequestedRangeNotSatisfiable, errors.ErrCodeBackendPermanent},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			_, b := testServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := b.ReadRange(context.Background(), "blob-x", 0, 8)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "status %d → %v", tt.status, err)
		})
	}
}

func TestReadRange_TruncatedBodyIsTransient(t *testing.T) {
	_, b := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("ab")) // promised 8
	})

	_, err := b.ReadRange(context.Background(), "blob-x", 0, 8)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBackendTransient))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))

	_, err = New(Config{Endpoint: "://bad", Bucket: "b"}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestReadRange_NoCredentialsSendsNoAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	b, err := New(Config{Endpoint: srv.URL, Bucket: "public"}, nil)
	require.NoError(t, err)

	_, err = b.ReadRange(context.Background(), "blob", 0, 1)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}
