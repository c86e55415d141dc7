package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesDeviceTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueDeviceToken("business-123", "device-abc")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	claims := &DeviceClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "business-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.DeviceID != "device-abc" {
		t.Fatalf("unexpected device id %s", claims.DeviceID)
	}
	if claims.Issuer != "khata-api" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "khata-sync" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "khata-api",
		Audience: "khata-sync",
		TokenTTL: 30 * time.Minute,
	})

	if _, _, err := issuer.IssueDeviceToken("business-123", "device-abc"); err == nil {
		t.Fatalf("expected issuance error for missing secret")
	}
}

func TestTokenIssuerRejectsMissingIdentity(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
	})

	if _, _, err := issuer.IssueDeviceToken("", "device-abc"); err == nil {
		t.Fatalf("expected issuance error for missing business id")
	}
	if _, _, err := issuer.IssueDeviceToken("business-123", ""); err == nil {
		t.Fatalf("expected issuance error for missing device id")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
		TokenTTL:      15 * time.Minute,
	})

	tokenString, _, err := issuer.IssueDeviceToken("business-321", "device-xyz")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	businessID, deviceID, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if businessID != "business-321" {
		t.Fatalf("unexpected business id %s", businessID)
	}
	if deviceID != "device-xyz" {
		t.Fatalf("unexpected device id %s", deviceID)
	}

	if _, _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation failure for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
		TokenTTL:      10 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})

	tokenString, _, err := issuer.IssueDeviceToken("business-1", "device-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	late := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("rotating-secret"),
		Issuer:        "khata-api",
		Audience:      "khata-sync",
		Clock: func() time.Time {
			return clockNow.Add(time.Hour)
		},
	})

	if _, _, err := late.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}
