package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	sentinel := State("halted", "vault is halted")
	wrapped := fmt.Errorf("%w: deposits disabled", sentinel)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.True(t, errors.Is(wrapped, State("halted", "other message")))
	assert.False(t, errors.Is(wrapped, State("not_halted", "vault is active")))
}

func TestKindAndCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		code   string
		status int
	}{
		{"validation", fmt.Errorf("%w: x", Validation("invalid_amount", "bad")), KindValidation, "invalid_amount", http.StatusBadRequest},
		{"permission", ErrForbidden, KindPermission, "forbidden", http.StatusForbidden},
		{"state", State("halted", "halted"), KindState, "halted", http.StatusConflict},
		{"not found", NotFound("strategy_not_found", "missing"), KindNotFound, "strategy_not_found", http.StatusNotFound},
		{"plain", errors.New("boom"), KindInternal, "internal_error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "permission", KindPermission.String())
	assert.Equal(t, "state", KindState.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "internal", KindInternal.String())
}
