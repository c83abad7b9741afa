package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	contextSubjectKey   = "auth_subject"
)

// AuthConfig validates HS256 service tokens. A token whose subject is
// non-empty may only act on the account it names.
type AuthConfig struct {
	SigningKey string
	Issuer     string
}

func (config AuthConfig) enabled() bool {
	return strings.TrimSpace(config.SigningKey) != ""
}

func serviceTokenMiddleware(config AuthConfig) gin.HandlerFunc {
	key := []byte(config.SigningKey)
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer := strings.TrimSpace(config.Issuer); issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(parserOptions...)

	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "invalid bearer token"))
			return
		}
		ctx.Set(contextSubjectKey, strings.TrimSpace(claims.Subject))
		ctx.Next()
	}
}

// authorizeAccount rejects requests whose token is bound to a different account.
func authorizeAccount(ctx *gin.Context, accountID string) bool {
	subject := ctx.GetString(contextSubjectKey)
	if subject == "" || subject == accountID {
		return true
	}
	ctx.JSON(http.StatusForbidden, errorResponse(errorForbidden, "token is not valid for this account"))
	return false
}
