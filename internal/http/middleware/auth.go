// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the development identity stub. There is no real
// authentication: the caller names itself with a bearer token or the
// X-User-ID header and anonymous callers become GuestUserID.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// CtxKeyUserID is the Gin context key holding the caller's user id.
	CtxKeyUserID = "userID"
	// HeaderUserID names the caller when no bearer token is sent.
	HeaderUserID = "X-User-ID"
	// GuestUserID identifies anonymous callers.
	GuestUserID = "guest"
)

// DevAuth resolves the caller from "Authorization: Bearer <userId>" or the
// X-User-ID header and stores it under CtxKeyUserID.
func DevAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(CtxKeyUserID, resolveUser(c))
		c.Next()
	}
}

func resolveUser(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
		return h
	}
	return GuestUserID
}

// UserID returns the caller set by DevAuth, falling back to the request
// headers when DevAuth did not run.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyUserID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request == nil {
		return GuestUserID
	}
	return resolveUser(c)
}

// RequireUser rejects anonymous callers with 401. It guards operational
// routes that change records owned by other users.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == GuestUserID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "this operation needs an identified caller",
			})
			return
		}
		c.Next()
	}
}
