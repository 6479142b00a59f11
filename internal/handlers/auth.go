package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/webrtc-chat/internal/middleware"
	"github.com/mossy-p/webrtc-chat/internal/models"
)

const maxUserIDLength = 64

// Identify issues a token bound to the requested user ID, or to a fresh one.
// Any caller may claim any ID: the token only ties later requests to it.
func Identify(jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.IdentityRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := req.UserID
		if userID == "" {
			userID = uuid.New().String()
		}
		if len(userID) > maxUserIDLength {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "User ID too long",
			})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, userID, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.IdentityResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
