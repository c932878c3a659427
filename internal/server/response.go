package server

import (
	"github.com/gin-gonic/gin"
)

// Fail writes the `{success:false, error}` shape shared by every automation endpoint.
func Fail(c *gin.Context, status int, err string) {
	c.JSON(status, gin.H{"success": false, "error": err})
}
