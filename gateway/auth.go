package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"

	"merchantd/merchant/instance"
	"merchantd/storage"
)

// AuthConfig configures the private-API authenticator. Admin JWTs signed
// with HMACSecret grant access to every instance; an instance's own auth
// token grants access to that instance alone.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyInstance contextKey = "gateway.instance"

// InstanceFromContext returns the instance the request was authorised for.
func InstanceFromContext(ctx context.Context) *storage.Instance {
	inst, _ := ctx.Value(contextKeyInstance).(*storage.Instance)
	return inst
}

type authenticator struct {
	cfg    AuthConfig
	secret []byte
	store  *storage.Store
}

func newAuthenticator(cfg AuthConfig, store *storage.Store) *authenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		store:  store,
	}
}

// middleware resolves the {instance} path parameter, authorises the request
// and stores the instance in the context. Admin JWTs pass for any instance;
// otherwise the bearer token must match the instance's own auth token.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		admin := a.validJWT(token)

		instanceID := chi.URLParam(r, "instance")
		if instanceID == "" {
			// Instance management collection endpoints are admin-only.
			if !admin {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "admin token required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		inst, err := a.store.GetInstance(r.Context(), instanceID)
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no such instance")
			return
		}
		if err != nil {
			respondError(w, err)
			return
		}
		if !admin && !instanceTokenMatches(inst, token) {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token for instance")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyInstance, inst)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *authenticator) validJWT(tokenString string) bool {
	if len(a.secret) == 0 {
		return false
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil || !token.Valid {
		return false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	return validateClaims(claims, a.cfg.Issuer, a.cfg.Audience) == nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		}
	}
	if exp, ok := claims["exp"].(float64); ok {
		if int64(exp) < time.Now().Unix() {
			return errors.New("token expired")
		}
	}
	return nil
}

func instanceTokenMatches(inst *storage.Instance, token string) bool {
	if inst.AuthTokenHash == "" {
		return false
	}
	hashed := instance.HashAuthToken(token)
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(inst.AuthTokenHash)) == 1
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
