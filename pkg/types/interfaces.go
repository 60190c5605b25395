package types

import (
	"context"
)

// RangeReader is the capability every backend variant exposes: read an
// exact byte range of a blob's raw (still compressed) content. Concurrent
// calls are independent.
type RangeReader interface {
	// ReadRange returns exactly length bytes of the blob starting at
	// offset, or a classified error.
	ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error)

	// Kind identifies the backend variant ("localfs", "oss", "registry",
	// "s3") for logs and metrics labels.
	Kind() string

	// Close releases the backend's connection pool.
	Close() error
}

// Credential is auth material for one backend host. Token-based
// credentials carry a bearer token; otherwise Username/Password are used
// for basic auth or request signing.
type Credential struct {
	Username string
	Password string
	Token    string
}

// TokenBased reports whether the credential is a bearer token.
func (c Credential) TokenBased() bool {
	return c.Token != ""
}

// Empty reports whether no auth material is present.
func (c Credential) Empty() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// CredentialProvider supplies current auth material for a backend host.
// Called lazily per request; implementations must tolerate rotation
// between calls.
type CredentialProvider interface {
	Credentials(ctx context.Context, host string) (Credential, error)
}

// StaticCredentials is a CredentialProvider returning a fixed credential.
type StaticCredentials Credential

func (s StaticCredentials) Credentials(ctx context.Context, host string) (Credential, error) {
	return Credential(s), nil
}
