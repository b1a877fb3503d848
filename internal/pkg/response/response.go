package response

import (
	"encoding/json"
	"io"
	"net/http"
)

// DecodeJSON decodes a JSON request body into v. Unknown fields are rejected.
func DecodeJSON(body io.ReadCloser, v interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Response is the envelope every endpoint answers with
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// Meta represents offset pagination metadata
type Meta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Count   int  `json:"count"`
	HasNext bool `json:"hasNext"`
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, status int, data interface{}) {
	write(w, status, Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// WithMeta sends a list with pagination metadata
func WithMeta(w http.ResponseWriter, data interface{}, meta Meta) {
	write(w, http.StatusOK, Response{Success: true, Data: data, Meta: &meta})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

// ErrorWithDetails sends an error response with details
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: message, Details: details}})
}

// Retryable sends an error response the client may retry as a whole
func Retryable(w http.ResponseWriter, status int, code, message string) {
	write(w, status, Response{Error: &ErrorInfo{Code: code, Message: message, Retryable: true}})
}

// BadRequest sends a 400 Bad Request response
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

// ValidationError sends a 422 Unprocessable Entity response
func ValidationError(w http.ResponseWriter, details map[string]string) {
	ErrorWithDetails(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", details)
}

// InternalError sends a 500 Internal Server Error response
func InternalError(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
}
