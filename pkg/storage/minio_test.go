package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"

	"docuvector-go/pkg/errs"
)

func TestClassify(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	assert.True(t, errs.Is(classify("get", notFound), errs.NotFound))

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	assert.True(t, errs.Is(classify("put", denied), errs.PermanentService))

	assert.True(t, errs.IsRetryable(classify("put", errors.New("connection reset by peer"))))
}
