package settings

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// LicenseInfo is what we can read out of a license without verifying it.
// The license is an opaque gate; claims are decoded purely for display.
type LicenseInfo struct {
	Plan    string
	Expires *time.Time
}

// Masked returns the license shortened for API responses: only the last 8
// characters are shown.
func Masked(license string) string {
	if license == "" {
		return ""
	}
	if len(license) <= 8 {
		return license
	}
	return "..." + license[len(license)-8:]
}

// Introspect decodes exp/plan claims from a JWT-shaped license without
// signature verification. Opaque (non-JWT) licenses yield an empty
// LicenseInfo; that is not an error, they gate the reporter just the same.
func Introspect(license string, log zerolog.Logger) LicenseInfo {
	if license == "" {
		return LicenseInfo{}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(license, claims); err != nil {
		return LicenseInfo{}
	}

	var info LicenseInfo
	if plan, ok := claims["plan"].(string); ok {
		info.Plan = plan
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		info.Expires = &t
		if t.Before(time.Now()) {
			log.Warn().Time("expired_at", t).Msg("Memex license claim is expired")
		}
	}
	return info
}
