// Package registry reads blob ranges from an OCI distribution registry.
// Blobs are addressed by their manifest-referenced content digest via
// GET /v2/<repository>/blobs/<digest> with a Range header. Auth material
// comes from the credential provider per request: a bearer token when the
// credential is token-based, HTTP basic auth otherwise.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Config configures the registry backend.
type Config struct {
	// Endpoint is the scheme://host[:port] of the registry.
	Endpoint string `yaml:"endpoint"`

	// Repository is the image repository holding the layer blobs, e.g.
	// "library/ubuntu".
	Repository string `yaml:"repository"`

	// ConnectTimeout bounds connection establishment; the per-request
	// deadline is enforced by the wrapping client.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Backend is the registry range reader.
type Backend struct {
	cfg   Config
	host  string
	creds types.CredentialProvider
	http  *http.Client
}

// New creates a registry backend.
func New(cfg Config, creds types.CredentialProvider) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Repository == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "registry backend requires endpoint and repository")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "registry endpoint is not a valid URL", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if creds == nil {
		creds = types.StaticCredentials{}
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Backend{
		cfg:   cfg,
		host:  u.Host,
		creds: creds,
		http:  &http.Client{Transport: transport},
	}, nil
}

func (b *Backend) Kind() string { return "registry" }

// ReadRange issues a ranged blob GET. blobID is the layer's content
// digest as referenced by the image manifest.
func (b *Backend) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/blobs/%s", b.cfg.Endpoint, b.cfg.Repository, blobID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendPermanent, "building registry request failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	cred, err := b.creds.Credentials(ctx, b.host)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuthFailed, "credential lookup failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	switch {
	case cred.TokenBased():
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case !cred.Empty():
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, translateTransportError(err).WithBlob(blobID).WithBackend(b.Kind())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, translateStatus(resp.StatusCode).
			WithBlob(blobID).WithChunk("", offset, length).WithBackend(b.Kind())
	}

	// Some registries ignore Range and return 200 with the whole blob;
	// serve the requested window without buffering the rest.
	if resp.StatusCode == http.StatusOK && offset > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBackendTransient, "registry response truncated before range", err).
				WithBlob(blobID).WithBackend(b.Kind())
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendTransient, "registry response body truncated", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	return data, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

func translateStatus(status int) *errors.ChunkError {
	switch {
	case status == http.StatusNotFound:
		return errors.New(errors.ErrCodeBlobNotFound, "blob not found in registry")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrCodeAuthFailed, "registry rejected request with status %d", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Newf(errors.ErrCodeBackendTransient, "registry returned status %d", status)
	default:
		return errors.Newf(errors.ErrCodeBackendPermanent, "registry returned status %d", status)
	}
}

func translateTransportError(err error) *errors.ChunkError {
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return errors.Wrap(errors.ErrCodeBackendTimeout, "registry request timed out", err)
	}
	return errors.Wrap(errors.ErrCodeBackendTransient, "registry request failed", err)
}
