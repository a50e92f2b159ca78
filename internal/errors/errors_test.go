package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{SIGNAL_VALIDATION, http.StatusBadRequest},
		{SIGNAL_MEDIA_SIZE, http.StatusBadRequest},
		{SIGNAL_MEDIA_TYPE, http.StatusBadRequest},
		{SIGNAL_AUTHN, http.StatusUnauthorized},
		{SIGNAL_JWT_EXPIRED, http.StatusUnauthorized},
		{SIGNAL_AUTHZ, http.StatusForbidden},
		{SIGNAL_OWNER_MISMATCH, http.StatusForbidden},
		{SIGNAL_NOT_FOUND, http.StatusNotFound},
		{SIGNAL_TYPE_NOT_FOUND, http.StatusNotFound},
		{SIGNAL_IMAGE_NOT_FOUND, http.StatusNotFound},
		{SIGNAL_STORAGE, http.StatusInternalServerError},
		{SIGNAL_UNAVAILABLE, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x", "").HTTPStatus; got != tt.want {
			t.Errorf("New(%s).HTTPStatus = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("create: %w", Wrap(SIGNAL_STORAGE, "failed to store image", cause))

	if !stderrors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if got := CodeOf(err); got != SIGNAL_STORAGE {
		t.Errorf("CodeOf() = %s, want %s", got, SIGNAL_STORAGE)
	}
	if got := CodeOf(stderrors.New("plain")); got != SIGNAL_INTERNAL {
		t.Errorf("CodeOf(plain) = %s, want %s", got, SIGNAL_INTERNAL)
	}
}
