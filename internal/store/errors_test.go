package store_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	domainerrors "github.com/listenupapp/bookbridge/internal/errors"
	"github.com/listenupapp/bookbridge/internal/store"
)

func TestError_ErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := store.ErrNotFound.WithCause(cause)

	assert.Contains(t, err.Error(), "not found")
	assert.Contains(t, err.Error(), "underlying error")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, cause)
}

func TestError_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("save author: %w", store.ErrAlreadyExists)

	assert.ErrorIs(t, err, store.ErrAlreadyExists)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, domainerrors.CodeConstraintViolation, store.ErrAlreadyExists.Code)
}
