package s3

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/chunkfs/chunkfs/pkg/errors"
)

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestTranslateError_APICodes(t *testing.T) {
	b := &Backend{cfg: Config{Bucket: "b"}}

	tests := []struct {
		apiCode string
		code    errors.ErrorCode
	}{
		{"NoSuchKey", errors.ErrCodeBlobNotFound},
		{"NotFound", errors.ErrCodeBlobNotFound},
		{"AccessDenied", errors.ErrCodeAuthFailed},
		{"InvalidAccessKeyId", errors.ErrCodeAuthFailed},
		{"ExpiredToken", errors.ErrCodeAuthFailed},
		{"SlowDown", errors.ErrCodeBackendTransient},
		{"ServiceUnavailable", errors.ErrCodeBackendTransient},
		{"InvalidRange", errors.ErrCodeBackendPermanent},
		{"MalformedXML", errors.ErrCodeBackendPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.apiCode, func(t *testing.T) {
			err := b.translateError(&smithy.GenericAPIError{Code: tt.apiCode, Message: "x"})
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestTranslateError_TransportErrorIsTransient(t *testing.T) {
	b := &Backend{cfg: Config{Bucket: "b"}}
	err := b.translateError(assert.AnError)
	assert.Equal(t, errors.ErrCodeBackendTransient, err.Code)
	assert.True(t, errors.IsRetryable(err))
}
