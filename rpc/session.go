package rpc

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Credentials struct {
	ServerAddress string
	Database      string
	Username      string
	// login parameters, e.g. `password`
	Parameters map[string]any
	Language   string
}

// one logged in session
// a session is never mutated after login. Re-login creates a new session.
type Session struct {
	ServerAddress string
	Database      string
	Username      string
	UserId        int64
	SessionToken  string
	CacheEnabled  bool
	// zero when the token does not carry an expiration
	ExpiresAt time.Time
}

// the opaque identifier sent with every request of the session
// `username:userId:token`
func (self *Session) Identifier() string {
	return strings.Join([]string{self.Username, fmt.Sprint(self.UserId), self.SessionToken}, ":")
}

func (self *Session) Authorization() string {
	return fmt.Sprintf("Session %s", base64.StdEncoding.EncodeToString([]byte(self.Identifier())))
}

func (self *Session) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

func (self *Session) String() string {
	return fmt.Sprintf("%s@%s/%s", self.Username, self.ServerAddress, self.Database)
}

func normalizeServerAddress(serverAddress string) string {
	serverAddress = strings.TrimRight(strings.TrimSpace(serverAddress), "/")
	if !strings.Contains(serverAddress, "://") {
		serverAddress = fmt.Sprintf("https://%s", serverAddress)
	}
	return serverAddress
}

func databaseUrl(serverAddress string, database string) string {
	if database == "" {
		return fmt.Sprintf("%s/", normalizeServerAddress(serverAddress))
	}
	return fmt.Sprintf("%s/%s/", normalizeServerAddress(serverAddress), database)
}
