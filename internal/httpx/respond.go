package httpx

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Meta  interface{} `json:"meta,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Respond writes data wrapped in the {"data": ...} envelope.
func Respond(w http.ResponseWriter, status int, data interface{}, meta interface{}) {
	write(w, status, envelope{Data: data, Meta: meta})
}

// RespondError writes {"error": {"message": ...}}.
func RespondError(w http.ResponseWriter, status int, message string) {
	write(w, status, envelope{Error: &ErrorBody{Message: message}})
}

// RespondErrorReason is RespondError with a machine readable explanation,
// used where the display needs to tell staff why an action was refused.
func RespondErrorReason(w http.ResponseWriter, status int, message, reason string) {
	write(w, status, envelope{Error: &ErrorBody{Message: message, Reason: reason}})
}

func write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
