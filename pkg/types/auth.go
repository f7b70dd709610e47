package types

// AuthStatus reports whether first-run setup is still pending.
type AuthStatus struct {
	SetupRequired bool `json:"setup_required"`
}

// SetupInitResponse carries a new TOTP secret for enrollment.
type SetupInitResponse struct {
	Secret string `json:"secret"`
	QR     string `json:"qr"` // base64 PNG
	URL    string `json:"url"`
}

// SetupConfirmRequest completes first-run setup.
type SetupConfirmRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
	Secret   string `json:"secret"`
}

// LoginRequest exchanges a password and one-time code for a token.
type LoginRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// TokenResponse is returned by setup and login.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}
