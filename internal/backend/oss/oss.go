// Package oss reads blob ranges from an OSS-style object store over HTTP.
// Requests carry a Date header and an HMAC-SHA1 signature over the
// canonical request, looked up lazily from the credential provider so key
// rotation takes effect between requests.
package oss

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Config configures the OSS backend.
type Config struct {
	// Endpoint is the scheme://host[:port] of the object store.
	Endpoint string `yaml:"endpoint"`

	// Bucket is the bucket holding the blobs; blob IDs are object keys
	// under ObjectPrefix.
	Bucket       string `yaml:"bucket"`
	ObjectPrefix string `yaml:"object_prefix"`

	// ConnectTimeout bounds connection establishment. The per-request
	// deadline is enforced by the wrapping client.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Backend is the OSS range reader.
type Backend struct {
	cfg   Config
	host  string
	creds types.CredentialProvider
	http  *http.Client
}

// New creates an OSS backend.
func New(cfg Config, creds types.CredentialProvider) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "oss backend requires endpoint and bucket")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "oss endpoint is not a valid URL", err)
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

func (b *Backend) Kind() string { return "oss" }

// ReadRange issues a signed HTTP range GET for the object backing blobID.
func (b *Backend) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	objectKey := b.cfg.ObjectPrefix + blobID
	resource := fmt.Sprintf("/%s/%s", b.cfg.Bucket, objectKey)
	endpoint := fmt.Sprintf("%s/%s/%s", b.cfg.Endpoint, b.cfg.Bucket, objectKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendPermanent, "building oss request failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)

	cred, err := b.creds.Credentials(ctx, b.host)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAuthFailed, "credential lookup failed", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	if !cred.Empty() {
		req.Header.Set("Authorization",
			fmt.Sprintf("OSS %s:%s", cred.Username, sign(cred.Password, http.MethodGet, date, resource)))
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

	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendTransient, "oss response body truncated", err).
			WithBlob(blobID).WithBackend(b.Kind())
	}
	return data, nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

// sign computes the OSS request signature: base64(HMAC-SHA1(secret,
// verb + "\n\n\n" + date + "\n" + resource)). Content-MD5 and
// Content-Type are empty for GETs.
func sign(secret, verb, date, resource string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n\n\n%s\n%s", verb, date, resource)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func translateStatus(status int) *errors.ChunkError {
	switch {
	case status == http.StatusNotFound:
		return errors.New(errors.ErrCodeBlobNotFound, "object not found")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrCodeAuthFailed, "request rejected with status %d", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Newf(errors.ErrCodeBackendTransient, "object store returned status %d", status)
	default:
		return errors.Newf(errors.ErrCodeBackendPermanent, "object store returned status %d", status)
	}
}

func translateTransportError(err error) *errors.ChunkError {
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return errors.Wrap(errors.ErrCodeBackendTimeout, "oss request timed out", err)
	}
	return errors.Wrap(errors.ErrCodeBackendTransient, "oss request failed", err)
}
