package common

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/apperr"
)

// OK writes the standard success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "OK",
		"message": "ok",
		"data":    data,
	})
}

// Fail writes an error envelope with an explicit status and code.
func Fail(c *gin.Context, httpStatus int, code apperr.Code, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

// FailErr normalizes err and writes its envelope, attaching detail when present.
func FailErr(c *gin.Context, err error) {
	e := apperr.Normalize(err)
	body := gin.H{
		"code":    e.Code,
		"message": e.Message,
		"data":    nil,
	}
	if len(e.Detail) > 0 {
		body["detail"] = e.Detail
	}
	c.JSON(e.Status, body)
}
