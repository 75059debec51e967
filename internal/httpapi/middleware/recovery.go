package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
	"github.com/omnichat/omnichat/internal/common"
	"github.com/omnichat/omnichat/internal/logging"
)

// Recovery converts panics into a 500 envelope instead of a dropped
// connection, and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger := logging.GetLogger()
				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("path", c.Request.URL.Path).
					Interface("panic", r).
					Stack().
					Msg("panic recovered")
				if !c.Writer.Written() {
					common.Fail(c, http.StatusInternalServerError, apperr.CodeInternal, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
