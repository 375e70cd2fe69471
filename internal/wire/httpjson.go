package wire

import (
	"encoding/json"
	"net/http"
)

// WriteJSON encodes v as the response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its stable wire error code and HTTP status and
// writes it as an ErrorResponse body.
func WriteError(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}
	if ce, ok := err.(*CodedError); ok {
		resp.Key = ce.Key
	}
	WriteJSON(w, HTTPStatus(code), resp)
}

// DecodeJSON decodes the request body into v.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
