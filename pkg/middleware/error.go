package middleware

import (
	"errors"
	"net/http"

	"educoin-engine/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders domain errors attached to the gin context in the API's
// canonical error envelope.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		var be errutil.BaseError
		if errors.As(err.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, errutil.BaseError{
			Code:    errutil.StatusInternal,
			Message: "internal error",
		}.JSON())
	}
}
