package reporter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopDoesNothing(t *testing.T) {
	var r Noop
	assert.NotPanics(t, func() {
		r.Report(context.Background(), errors.New("boom"), map[string]interface{}{"id": "abc"})
	})
}
