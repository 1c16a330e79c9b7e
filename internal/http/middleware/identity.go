package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderUserID carries the caller identity asserted by the upstream
// authentication proxy.
const HeaderUserID = "X-User-ID"

const userIDKey = "userID"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@\-:]{1,64}$`)

// IdentityOptions configures Identity.
type IdentityOptions struct {
	// Header overrides HeaderUserID.
	Header string
	// Optional lets anonymous requests through instead of answering 401.
	Optional bool
}

// Identity reads the caller's user id from the identity header, stores it
// under the "userID" key, and enriches the request logger with it.
// Authentication itself happens upstream; a missing or malformed id is 401.
func Identity(opts IdentityOptions) gin.HandlerFunc {
	header := opts.Header
	if header == "" {
		header = HeaderUserID
	}
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(header))
		if uid == "" && opts.Optional {
			c.Next()
			return
		}
		if !userIDPattern.MatchString(uid) {
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing or invalid "+header)
			return
		}
		c.Set(userIDKey, uid)
		l := LoggerFrom(c).With().Str("user_id", uid).Logger()
		attachLogger(c, &l)
		c.Next()
	}
}

// UserID returns the identity stored by Identity, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	return asString(v)
}
