package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weftlabs/weft/pkg/schema"
)

// errorResponse is the wire shape of every admin API error.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a WeftError code to an HTTP status and writes the
// response.
func writeError(c *gin.Context, err error) {
	code := schema.GetCode(err)
	c.JSON(httpStatus(code), errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeLeaseConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodePermissionDenied:
		return http.StatusForbidden
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
