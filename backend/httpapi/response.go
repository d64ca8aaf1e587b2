package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
)

// Result is the envelope used by the /api/v1 routes.
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

func OK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Result[T]{
		Code:    0,
		Message: "Success",
		Data:    data,
	})
}

func OKMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, Result[any]{
		Code:    0,
		Message: message,
	})
}

func Error(w http.ResponseWriter, code int, message string, status int) {
	if status <= 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, Result[any]{
		Code:    code,
		Message: message,
	})
}

// Text answers the player routes, which expect a bare string body.
func Text(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Printf("[httpapi] write text error: %v", err)
	}
}

func PrettyJSON(w http.ResponseWriter, payload any) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Printf("[httpapi][error] pretty json encode error: %v", err)
		BadRequest(w)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Printf("[httpapi] write json error: %v", err)
	}
}

// BadRequest writes an empty 400.
func BadRequest(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
}

// Empty writes an empty 200.
func Empty(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[httpapi] writeJSON encode error: %v", err)
	}
}
