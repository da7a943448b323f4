package models

// LoginRequest represents the login credentials
type LoginRequest struct {
	Email    string `json:"email" example:"user@example.com"`
	Password string `json:"password" example:"password123"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	// JWT token for authentication
	Token     string `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	TokenType string `json:"type" example:"Bearer"`
}

// ErrorResponse is the body of every non-200 API response.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorKind `json:"code,omitempty"`
}
