package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeFixesStatusPerKind(t *testing.T) {
	cases := []struct {
		name   string
		build  func(string) *Error
		kind   Kind
		status int
	}{
		{"bad request", BadRequest, KindBadRequest, 400},
		{"not found", NotFound, KindNotFound, 404},
		{"unauthorized", Unauthorized, KindUnauthorized, 401},
		{"payload too large", PayloadTooLarge, KindPayloadTooLarge, 413},
		{"service unavailable", ServiceUnavailable, KindServiceUnavailable, 503},
		{"validation failed", ValidationFailed, KindValidationFailed, 503},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, message := range []string{"x", "something went sideways", "ünïcode ✓"} {
				err := tc.build(message)
				assert.Equal(t, tc.kind, err.Kind())
				assert.Equal(t, Serialized{Message: message, StatusCode: tc.status, Status: "error"}, err.Serialize())
				assert.Equal(t, tc.status, tc.kind.StatusCode())
			}
		})
	}
}

func TestKindsCoversTable(t *testing.T) {
	require.Len(t, Kinds(), len(kinds))
	for _, kind := range Kinds() {
		_, ok := kinds[kind]
		assert.True(t, ok, "kind %s missing from table", kind)
		assert.NotEqual(t, "unknown", kind.String())
	}
	assert.Equal(t, http.StatusInternalServerError, Kind(99).StatusCode())
}

func TestMarshalJSONIsByteIdentical(t *testing.T) {
	err := BadRequest("x")

	first, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	second, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	assert.Equal(t, first, second)
	assert.JSONEq(t, `{"message":"x","statusCode":400,"status":"error"}`, string(first))
}

func TestBlankMessageFallsBackToStatusText(t *testing.T) {
	err := NotFound("   ")
	assert.Equal(t, "Not Found", err.Message())
	assert.Equal(t, "Not Found", err.Error())
}

func TestUnknownKindIsCoercedIntoClosedSet(t *testing.T) {
	err := New(Kind(42), "odd")
	assert.Equal(t, KindBadRequest, err.Kind())
	assert.Equal(t, http.StatusBadRequest, err.StatusCode())
}

func TestAsFollowsWrapChains(t *testing.T) {
	cause := errors.New("redis: connection refused")
	base := Wrap(KindServiceUnavailable, "bus unavailable", cause)
	wrapped := fmt.Errorf("health check: %w", base)

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Same(t, base, got)
	assert.True(t, IsKind(wrapped, KindServiceUnavailable))
	assert.False(t, IsKind(wrapped, KindNotFound))
	assert.ErrorIs(t, wrapped, cause)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
	_, ok = As(nil)
	assert.False(t, ok)
}

func TestCauseIsNotSerialized(t *testing.T) {
	err := Wrap(KindUnauthorized, "missing token", errors.New("secret detail"))
	payload, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)
	assert.NotContains(t, string(payload), "secret detail")
}

func TestWriteRendersSerializedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, PayloadTooLarge("request body too large"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"request body too large","statusCode":413,"status":"error"}`, rec.Body.String())
}
