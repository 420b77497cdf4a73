// Package apiauth exposes the endpoint kiosks use to trade their machine
// credentials for a short-lived bearer token.
package apiauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/api/auth"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
)

var log = build.AddSubLogger("APIA")

// services that get initiated in RegisterRoutes
var (
	database *db.DB
)

// RegisterRoutes hooks the token endpoint onto the server. ratelimiter runs
// before the handler, keyed on the source IP.
func RegisterRoutes(server *gin.Engine, db *db.DB, ratelimiter gin.HandlerFunc) *gin.RouterGroup {
	// assign the services given
	database = db

	authGroup := server.Group("/api/v1/auth")
	authGroup.POST("token", ratelimiter, createToken())

	return authGroup
}

// createToken is a POST request that checks the given machine credentials
// and answers with a signed bearer token.
func createToken() gin.HandlerFunc {
	// tokenRequest is what a kiosk sends to authenticate itself. The nonce
	// is accepted for forward compatibility but not evaluated.
	type tokenRequest struct {
		MachineID  string          `json:"machine_id" binding:"required,max=255"`
		Password   string          `json:"password" binding:"required"`
		Nonce      *string         `json:"nonce" binding:"omitempty,max=255"`
		DeviceInfo json.RawMessage `json:"device_info"`
	}

	// tokenResponse carries the bearer token and its lifetime in seconds
	type tokenResponse struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}

	return func(c *gin.Context) {

		var req tokenRequest
		if c.BindJSON(&req) != nil {
			return
		}

		var deviceInfo *string
		if len(req.DeviceInfo) > 0 {
			info := string(req.DeviceInfo)
			deviceInfo = &info
		}

		client, err := clients.Authenticate(database, clients.AuthArgs{
			MachineID:  req.MachineID,
			Password:   req.Password,
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			DeviceInfo: deviceInfo,
		})
		if err != nil {
			switch {
			// a wrong machine ID and a wrong password get the same reply, so
			// callers can't probe which machine IDs exist
			case errors.Is(err, clients.ErrInvalidPassword):
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidCredentials)

			case errors.Is(err, clients.ErrClientInactive):
				apierr.Public(c, http.StatusForbidden, apierr.ErrClientInactive)

			case errors.Is(err, clients.ErrIPNotAllowed):
				apierr.Public(c, http.StatusForbidden, apierr.ErrIPNotAllowed)

			default:
				log.WithError(err).Error("could not authenticate client")
				_ = c.Error(err)
				c.Abort()
			}
			return
		}

		tokenString, err := auth.CreateJwt(client.ID, client.MachineID)
		if err != nil {
			log.WithError(err).Error("could not create JWT")
			_ = c.Error(err)
			c.Abort()
			return
		}

		res := tokenResponse{
			AccessToken: tokenString,
			TokenType:   "bearer",
			ExpiresIn:   int(auth.TokenTTL() / time.Second),
		}

		c.JSONP(200, res)
	}
}
