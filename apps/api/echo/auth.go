package echoapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

const (
	contextTokenKey = "userToken"
	queryTokenParam = "token"
)

var (
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errBadIssuer    = echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired jwt")

	// mockable
	nowFunc = time.Now
)

// Claims represents the authorization claims transmitted via a JWT.
// The subject is the user id.
type Claims struct {
	jwt.StandardClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// NewClaims returns the claims of a session token for p.
func NewClaims(p portal.Profile, conf *core.Config) *Claims {
	now := nowFunc()
	issuer := conf.Server.JWTIssuer
	if issuer == "" {
		issuer = conf.AppName
	}
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    issuer,
			Subject:   p.ID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Name: p.Name,
		Role: p.Role,
	}
}

func (c Claims) Session() portal.Session {
	return portal.Session{UserID: c.Subject, Name: c.Name, Role: c.Role}
}

func jwtConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(claims *Claims, conf *core.Config) (string, error) {
	cfg := jwtConfig(conf)
	token := jwt.NewWithClaims(jwt.GetSigningMethod(cfg.SigningMethod), claims)

	ss, err := token.SignedString(cfg.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// queryTokenMiddleware lets browsers, which cannot set headers on websocket
// handshakes, pass the token as `?token=`.
func queryTokenMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		req := ctx.Request()
		if req.Header.Get(echo.HeaderAuthorization) == "" {
			if token := strings.TrimSpace(ctx.QueryParam(queryTokenParam)); token != "" {
				req.Header.Set(echo.HeaderAuthorization, middleware.DefaultJWTConfig.AuthScheme+" "+token)
			}
		}
		return next(ctx)
	}
}

// issuerMiddleware rejects tokens not issued by conf.Server.JWTIssuer, when set.
func issuerMiddleware(conf *core.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if iss := conf.Server.JWTIssuer; iss != "" {
				claims, err := getContextClaims(ctx)
				if err != nil {
					return err
				}
				if !claims.VerifyIssuer(iss, true) {
					return errBadIssuer
				}
			}
			return next(ctx)
		}
	}
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextSession(ctx echo.Context) (portal.Session, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return portal.Session{}, err
	}
	sess := claims.Session()
	if err = sess.Valid(); err != nil {
		return portal.Session{}, errUnauthorized
	}
	return sess, nil
}
