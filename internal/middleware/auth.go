package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/classvault/backend/internal/apierr"
	"github.com/classvault/backend/internal/config"
	"github.com/classvault/backend/internal/models"
	"github.com/classvault/backend/internal/tenantctx"
	"github.com/classvault/backend/pkg/jwt"
)

// Auth resolves the authenticated subject from the bearer token and attaches
// it to the request context. Every repository access downstream takes the
// resolved tenant/subject explicitly; nothing past this point relies on
// ambient session state. Authorization decisions belong to the permission
// service, not here.
func Auth(db *gorm.DB, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			abortUnauthenticated(c, "missing or invalid token")
			return
		}

		claims, err := jwt.ValidateToken(tokenString, cfg.JWTSecret)
		if err != nil {
			abortUnauthenticated(c, "invalid token")
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			abortUnauthenticated(c, "invalid subject")
			return
		}

		var user models.User
		if err := db.WithContext(c.Request.Context()).
			Preload("Tenant").
			First(&user, "id = ?", userID).Error; err != nil {
			abortUnauthenticated(c, "unknown subject")
			return
		}
		if !user.IsActive || user.Tenant == nil {
			abortUnauthenticated(c, "subject is not active")
			return
		}
		// Tenant membership is taken from the database, never from the
		// token: a stale claim cannot move a user across tenants.
		if claims.TenantID != "" && claims.TenantID != user.TenantID.String() {
			abortUnauthenticated(c, "tenant mismatch")
			return
		}

		subject := &tenantctx.Subject{
			UserID:     user.ID,
			TenantID:   user.TenantID,
			TenantType: user.Tenant.Type,
			Role:       user.Role,
		}
		c.Request = c.Request.WithContext(tenantctx.WithSubject(c.Request.Context(), subject))
		c.Set("userID", user.ID)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":          msg,
		"kind":           string(apierr.KindUnauthenticated),
		"correlation_id": tenantctx.CorrelationID(c.Request.Context()),
	})
}
