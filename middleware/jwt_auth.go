package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/arifur/strong-forward-gateway/models"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

var (
	ErrMissingToken = errors.New("authorization header is required")
	ErrBadScheme    = errors.New("authorization header must be in format: Bearer <token>")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// JWTAuthMiddleware validates HMAC-signed bearer tokens on forwarded
// requests. In permissive mode a bad or missing token is logged and the
// request continues unauthenticated.
type JWTAuthMiddleware struct {
	base
	noResponse
}

type jwtAuthConfig struct {
	Secret        string `mapstructure:"secret"`
	Header        string `mapstructure:"header"`
	Mode          string `mapstructure:"mode"`
	SubjectHeader string `mapstructure:"subject_header"`
}

func NewJWTAuthMiddleware() *JWTAuthMiddleware {
	return &JWTAuthMiddleware{base: base{priority: 90}}
}

func (m *JWTAuthMiddleware) Schema() Schema {
	return Schema{
		"secret":         {Type: FieldText, Required: true, Description: "HMAC signing secret"},
		"header":         {Type: FieldText, Default: "Authorization"},
		"mode":           {Type: FieldChoice, Default: "strict", Choices: []string{"strict", "permissive"}},
		"subject_header": {Type: FieldText, Default: "", Description: "Forward the token subject upstream in this header"},
	}
}

func (m *JWTAuthMiddleware) ProcessRequest(_ context.Context, req *models.ProxyRequest, attempt *models.ForwardAttempt, cfg map[string]any) error {
	var c jwtAuthConfig
	if err := decodeConfig(m.Schema(), cfg, &c); err != nil {
		return err
	}

	claims, err := ParseBearer(req.Header.Get(c.Header), c.Secret)
	if err != nil {
		if c.Mode == "permissive" {
			log.Debugf("jwt_auth: continuing without identity for %s %s: %v", req.Method, req.Path, err)
			return nil
		}
		return &MiddlewareAbortError{StatusCode: http.StatusUnauthorized, Err: err}
	}

	subject := Subject(claims)
	if attempt != nil {
		attempt.AuthSubject = subject
	}
	if c.SubjectHeader != "" && subject != "" {
		req.Header.Set(c.SubjectHeader, subject)
	}
	return nil
}

// ParseBearer validates a "Bearer <token>" header value signed with secret
func ParseBearer(header, secret string) (jwt.MapClaims, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, ErrBadScheme
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject returns the sub claim, falling back to id
func Subject(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	switch id := claims["id"].(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	return ""
}
