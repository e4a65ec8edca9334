package crypto

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpOpts accept a code within ±2 time-steps (±60s at 30s steps) of the
// current time to absorb client clock drift.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      2,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateTOTPSecret provisions a new TOTP secret for the given account and
// returns the base32 secret plus the otpauth:// URL for QR enrollment.
func GenerateTOTPSecret(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks a 6-digit code against the base32 secret at the given
// time.
func VerifyTOTP(secret, code string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totpOpts)
	return err == nil && ok
}
