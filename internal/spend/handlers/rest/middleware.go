package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Aidin1998/cashspend/pkg/errors"
)

const callerKey = "caller"

// CallerClaims are the claims of a caller token. The subject is the caller
// address checked against the role registry and module whitelists.
type CallerClaims struct {
	jwt.RegisteredClaims
}

// CallerAuth authenticates callers with HS256 bearer tokens.
func CallerAuth(secret []byte, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			abortProblem(c, unauthorized("missing bearer token"))
			return
		}

		claims := &CallerClaims{}
		opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
		if issuer != "" {
			opts = append(opts, jwt.WithIssuer(issuer))
		}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}, opts...)
		if err != nil || !token.Valid {
			abortProblem(c, unauthorized("invalid token"))
			return
		}
		if !common.IsHexAddress(claims.Subject) {
			abortProblem(c, unauthorized("token subject is not an address"))
			return
		}

		c.Set(callerKey, common.HexToAddress(claims.Subject))
		c.Next()
	}
}

// IssueCallerToken signs a token for caller. Operators use it to provision
// card processors and modules.
func IssueCallerToken(secret []byte, issuer string, caller common.Address, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = caller.Hex()
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, CallerClaims{RegisteredClaims: claims}).SignedString(secret)
}

func callerFrom(c *gin.Context) common.Address {
	if v, ok := c.Get(callerKey); ok {
		if addr, ok := v.(common.Address); ok {
			return addr
		}
	}
	return common.Address{}
}

var errUnauthenticated = errors.Define(errors.ClassAuthorization, "Unauthenticated")

func unauthorized(msg string) error {
	return errUnauthenticated.Explain("%s", msg)
}

func abortProblem(c *gin.Context, err error) {
	problem := errors.Problem(err, c.Request.URL.Path)
	if errors.KindOf(err) == "Unauthenticated" {
		problem.Status = http.StatusUnauthorized
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// HeaderCaller trusts the X-Caller-Address header. It is meant for local
// development only.
func HeaderCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Caller-Address")
		if raw != "" && !common.IsHexAddress(raw) {
			abortProblem(c, unauthorized("invalid caller address"))
			return
		}
		if raw != "" {
			c.Set(callerKey, common.HexToAddress(raw))
		}
		c.Next()
	}
}
