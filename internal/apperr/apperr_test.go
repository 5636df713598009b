package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsufficientStockMatchesOutOfStock(t *testing.T) {
	err := InsufficientStock("product %s would drop to %d", "p1", -2)

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.True(t, errors.Is(err, ErrOutOfStock))
	assert.Equal(t, "InsufficientStock", Reason(err))
}

func TestReasonSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("receive order: %w", NotFound("product %s", "p9"))

	assert.Equal(t, ErrNotFound, Kind(err))
	assert.Equal(t, "NotFound", Reason(err))
}

func TestReasonForUnclassified(t *testing.T) {
	assert.Nil(t, Kind(errors.New("boom")))
	assert.Equal(t, "InternalError", Reason(errors.New("boom")))
}

func TestMessageCarriesDetail(t *testing.T) {
	err := Validation("delta must be non-zero")
	assert.Equal(t, "validation error: delta must be non-zero", err.Error())
}
