package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/transportops/roster/pkg/roster"
)

const (
	contextKeyOwner = "auth_owner"
	contextKeyRole  = "auth_role"
)

// identityMiddleware validates a Bearer HS256 token and injects the subject
// and role claims into the request context.
func identityMiddleware(signingKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid claims"))
			return
		}

		subject, _ := claims["sub"].(string)
		owner, err := roster.NewOwnerID(subject)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject claim"))
			return
		}
		rawRole, _ := claims["role"].(string)
		role, err := roster.ParseRole(rawRole)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing role claim"))
			return
		}

		ctx.Set(contextKeyOwner, owner)
		ctx.Set(contextKeyRole, role)
		ctx.Next()
	}
}

// requireElevated rejects callers whose role may not administer shared state.
func requireElevated() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		_, role := identityFrom(ctx)
		if !role.Elevated() {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "elevated role required"))
			return
		}
		ctx.Next()
	}
}

func identityFrom(ctx *gin.Context) (roster.OwnerID, roster.Role) {
	owner, _ := ctx.MustGet(contextKeyOwner).(roster.OwnerID)
	role, _ := ctx.MustGet(contextKeyRole).(roster.Role)
	return owner, role
}
