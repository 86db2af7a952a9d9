package authservice

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const principalKey = "principal"

// AuthMiddleware 校验访问令牌，成功后把 Principal 放进 gin.Context
func AuthMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Authenticate(c.Request.Context(), ExtractToken(c.Request))
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "UNAUTHENTICATED",
					"message": err.Error(),
				})
				return
			}
			log.WithError(err).Error("auth middleware")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "verify token failed"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// CurrentPrincipal 只能在 AuthMiddleware 之后调用
func CurrentPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// ExtractToken Authorization: Bearer 优先；浏览器 WebSocket 不能自定义 Header，退回 ?token=
func ExtractToken(r *http.Request) string {
	if tok := extractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
