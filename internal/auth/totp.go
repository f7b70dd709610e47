package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer  = "WADM"
	totpAccount = "admin@wadm"
	qrSize      = 200
)

// Enrollment is a freshly generated TOTP secret for first-run setup.
type Enrollment struct {
	Secret string `json:"secret"`
	QR     string `json:"qr"`
	URL    string `json:"url"`
}

// NewEnrollment generates a TOTP secret and its QR code as a base64 PNG.
func NewEnrollment() (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: totpAccount,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}

	img, err := key.Image(qrSize, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}

	return &Enrollment{
		Secret: key.Secret(),
		QR:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		URL:    key.URL(),
	}, nil
}

// ValidateCode checks a six-digit code against secret at time t, allowing one
// period of clock skew either way.
func ValidateCode(code, secret string, t time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
