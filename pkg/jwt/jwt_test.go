package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateAccessToken_Valid(t *testing.T) {
	service := NewService("test-secret-key", time.Hour, 24*time.Hour)

	pair, err := service.GenerateTokenPair(12345, "device-123", PlatformWeb)
	if err != nil {
		t.Fatalf("Failed to generate token pair: %v", err)
	}
	if pair.ExpiresAt <= time.Now().Unix() {
		t.Error("ExpiresAt should be in the future")
	}

	claims, err := service.ValidateAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("Failed to validate access token: %v", err)
	}
	if claims.UserID != 12345 {
		t.Errorf("Expected UserID 12345, got %d", claims.UserID)
	}
	if claims.DeviceID != "device-123" {
		t.Errorf("Expected DeviceID device-123, got %s", claims.DeviceID)
	}
	if claims.Issuer != issuer {
		t.Errorf("Expected issuer %s, got %s", issuer, claims.Issuer)
	}
}

func TestValidateAccessToken_WrongType(t *testing.T) {
	service := NewService("test-secret-key", time.Hour, 24*time.Hour)
	pair, _ := service.GenerateTokenPair(1, "d", PlatformAndroid)

	if _, err := service.ValidateAccessToken(pair.RefreshToken); err != ErrTokenInvalid {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateAccessToken_WrongIssuer(t *testing.T) {
	service := NewService("test-secret-key", time.Hour, time.Hour)
	claims := &Claims{
		UserID:    1,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "someone-else",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if _, err := service.ValidateAccessToken(signed); err != ErrTokenInvalid {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
}

func TestParsePlatform(t *testing.T) {
	tests := map[string]Platform{
		"web":     PlatformWeb,
		" iOS ":   PlatformIOS,
		"ANDROID": PlatformAndroid,
		"symbian": PlatformUnknown,
		"":        PlatformUnknown,
	}
	for in, want := range tests {
		if got := ParsePlatform(in); got != want {
			t.Errorf("ParsePlatform(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	service := NewService("test-secret-key", -time.Minute, time.Hour)
	pair, _ := service.GenerateTokenPair(1, "d", PlatformIOS)

	if _, err := service.ValidateAccessToken(pair.AccessToken); err != ErrTokenExpired {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateAccessToken_WrongSecretKey(t *testing.T) {
	issuerSvc := NewService("secret-a", time.Hour, time.Hour)
	verifier := NewService("secret-b", time.Hour, time.Hour)
	pair, _ := issuerSvc.GenerateTokenPair(1, "d", PlatformWeb)

	if _, err := verifier.ValidateAccessToken(pair.AccessToken); err != ErrTokenInvalid {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateAccessToken_RejectsNoneAlg(t *testing.T) {
	service := NewService("test-secret-key", time.Hour, time.Hour)
	claims := &Claims{
		UserID:    1,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	if _, err := service.ValidateAccessToken(signed); err != ErrTokenInvalid {
		t.Errorf("Expected ErrTokenInvalid, got %v", err)
	}
	if _, err := service.ValidateAccessToken("garbage"); err != ErrTokenInvalid {
		t.Errorf("Expected ErrTokenInvalid for garbage, got %v", err)
	}
}
