package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/minWang916/kms-api/pkg/errors"
)

// Message is the single-field body used for confirmations and failures.
type Message struct {
	Message string `json:"message"`
}

// JSON sends a success response with the given payload.
func JSON(c *gin.Context, status int, payload interface{}) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(status, payload)
}

// OK responds with HTTP 200 and a confirmation message.
func OK(c *gin.Context, message string) {
	JSON(c, http.StatusOK, Message{Message: message})
}

// Created responds with HTTP 201 and a confirmation message.
func Created(c *gin.Context, message string) {
	JSON(c, http.StatusCreated, Message{Message: message})
}

// Error sends a failure response, mapping the error kind to its status code.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(appErr.Status, Message{Message: appErr.Message})
}
