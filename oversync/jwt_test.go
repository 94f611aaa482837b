package oversync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-overledger/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_GenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("owner-42", "phone-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "owner-42", claims.Subject)
	require.Equal(t, "phone-1", claims.DeviceID)
	require.Equal(t, "go-overledger", claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestJWTAuth_ValidateToken_Rejects(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	otherSecret, err := NewJWTAuth("secret-2").GenerateToken("owner", "device", time.Hour)
	require.NoError(t, err)

	expired, err := jwtAuth.GenerateToken("owner", "device", -time.Minute)
	require.NoError(t, err)

	sign := func(claims *JWTClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtAuth.secret)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)), Subject: "owner"}
	noDevice := sign(&JWTClaims{RegisteredClaims: valid})
	noSubject := sign(&JWTClaims{DeviceID: "device", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})

	// RS256 header with no signature
	wrongMethod, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &JWTClaims{DeviceID: "d", RegisteredClaims: valid}).SigningString()
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"partial":      "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9",
		"other secret": otherSecret,
		"expired":      expired,
		"no device":    noDevice,
		"no subject":   noSubject,
		"wrong method": wrongMethod,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := jwtAuth.ValidateToken(token)
			require.Error(t, err)
		})
	}
}

func TestJWTAuth_ClockLeeway(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	issued := time.Now()
	jwtAuth.now = func() time.Time { return issued }
	token, err := jwtAuth.GenerateToken("owner", "device", time.Minute)
	require.NoError(t, err)

	jwtAuth.now = func() time.Time { return issued.Add(time.Minute + 10*time.Second) }
	_, err = jwtAuth.ValidateToken(token)
	require.NoError(t, err, "inside leeway")

	jwtAuth.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = jwtAuth.ValidateToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTAuth_RequiresOwnerAndDevice(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("", "device", time.Hour)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(token)
	require.ErrorIs(t, err, errMissingOwner)

	token, err = jwtAuth.GenerateToken("owner", "", time.Hour)
	require.NoError(t, err)
	_, err = jwtAuth.ValidateToken(token)
	require.ErrorIs(t, err, errMissingDevice)
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	var gotOwner, gotDevice string
	h := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner, _ = auth.GetOwnerID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := jwtAuth.GenerateToken("owner-1", "tablet", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/customers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "owner-1", gotOwner)
	require.Equal(t, "tablet", gotDevice)

	for _, header := range []string{"", "Token " + token, "Bearer", "Bearer bogus"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/customers", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "authentication_failed", resp.Error)
	}
}
