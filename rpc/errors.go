package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// error type checking:
//   sentinels are checked with errors.Is(err, ErrX)
//   typed errors are checked with errors.As(err, &target)

var (
	// no session is active. Returned without any network io.
	ErrUnauthenticated = errors.New("unauthenticated")
	// the session the call was dispatched on was replaced or cleared while in flight
	ErrSessionClosed = errors.New("session closed")
	// the server answered the bus endpoint with 501
	ErrBusNotSupported = errors.New("bus not supported")
)

// bad credentials or an expired session. Fatal to the current session.
type AuthenticationError struct {
	StatusCode int
	Message    string

	// the session token expired, detected locally without a server call
	Expired bool
}

func (self *AuthenticationError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("authentication failed (%d)", self.StatusCode)
	}
	return fmt.Sprintf("authentication failed (%d): %s", self.StatusCode, self.Message)
}

// an application level rejection returned by the server
type ServerFault struct {
	Code    string
	Message string
	// raw fault arguments as sent by the server
	Args any
}

func (self *ServerFault) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("server fault %s", self.Code)
	}
	return fmt.Sprintf("server fault %s: %s", self.Code, self.Message)
}

// network or transport failure. The caller decides whether to retry.
type UnavailableError struct {
	Err error
}

func (self *UnavailableError) Error() string {
	return fmt.Sprintf("server unavailable: %s", self.Err)
}

func (self *UnavailableError) Unwrap() error {
	return self.Err
}

func IsUnavailable(err error) bool {
	var unavailableErr *UnavailableError
	return errors.As(err, &unavailableErr)
}

func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.Is(err, ErrUnauthenticated) || errors.As(err, &authErr)
}

// returns the fault when `err` carries one with any of the given codes
// no codes matches any fault
func FaultCode(err error, codes ...string) (*ServerFault, bool) {
	var fault *ServerFault
	if !errors.As(err, &fault) {
		return nil, false
	}
	if len(codes) == 0 {
		return fault, true
	}
	for _, code := range codes {
		if strings.EqualFold(fault.Code, code) {
			return fault, true
		}
	}
	return nil, false
}

// the server error payload is either `[code, args]` or `{"code": .., "message": ..}`
func newServerFault(payload any) *ServerFault {
	switch v := payload.(type) {
	case []any:
		fault := &ServerFault{}
		if 0 < len(v) {
			fault.Code = fmt.Sprint(v[0])
		}
		if 1 < len(v) {
			fault.Args = v[1]
			fault.Message = faultMessage(v[1])
		}
		return fault
	case map[string]any:
		fault := &ServerFault{
			Args: v,
		}
		if code, ok := v["code"]; ok {
			fault.Code = fmt.Sprint(code)
		}
		if message, ok := v["message"]; ok {
			fault.Message = fmt.Sprint(message)
		}
		return fault
	case string:
		return &ServerFault{
			Code:    v,
			Message: v,
		}
	default:
		return &ServerFault{
			Code:    "unknown",
			Message: fmt.Sprint(v),
			Args:    v,
		}
	}
}

func faultMessage(args any) string {
	switch v := args.(type) {
	case string:
		return v
	case []any:
		parts := []string{}
		for _, arg := range v {
			if s, ok := arg.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ": ")
	default:
		return fmt.Sprint(v)
	}
}
