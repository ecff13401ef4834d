package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"relaycast/internal/apierror"
)

// WriteJSON writes payload with the given status. A nil payload writes only
// the status line.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON decodes the request body into dest. Decoding failures come back
// as recognised failures: an oversized body is PayloadTooLarge, anything else
// is BadRequest.
func DecodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apierror.BadRequest("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return decodeFailure(err)
	}
	return nil
}

func decodeFailure(err error) error {
	var maxBytesErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxBytesErr):
		return apierror.Wrap(apierror.KindPayloadTooLarge, "request body too large", err)
	case errors.Is(err, io.EOF):
		return apierror.Wrap(apierror.KindBadRequest, "request body is required", err)
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return apierror.Wrap(apierror.KindBadRequest, "malformed JSON body", err)
	case errors.As(err, &typeErr):
		return apierror.Wrap(apierror.KindBadRequest, "invalid value for field "+typeErr.Field, err)
	default:
		return apierror.Wrap(apierror.KindBadRequest, "invalid request body", err)
	}
}
