package errors

import "encoding/json"

// APIError is the JSON error envelope used by management endpoints.
type APIError struct {
	HTTPStatus int                    `json:"-"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// New builds an APIError.
func New(status int, code, message string) *APIError {
	return &APIError{HTTPStatus: status, Code: code, Message: message}
}

// Error implements the error interface.
func (e *APIError) Error() string { return e.Message }

// ToJSON renders the envelope under an "error" key.
func (e *APIError) ToJSON() []byte {
	out, err := json.Marshal(map[string]*APIError{"error": e})
	if err != nil {
		return []byte(`{"error":{"code":"internal","message":"error encoding failure"}}`)
	}
	return out
}
