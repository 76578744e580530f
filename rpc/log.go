package rpc

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `rpc` package and generally for the client runtime:
// Info:
//     session and transport activity, and abnormal but expected behavior
//     this includes:
//     - login, logout, session replacement
//     - bus reconnects and backoff sleeps
//     - server unavailable
//     - every rpc dispatch (method and arguments)
// Error:
//     unrecoverable details
//     this includes:
//     - panics in listener callbacks even if handled and suppressed
// V(1):
//     rpc errors that are handled by the caller
// V(2):
//     rpc results, bus polls, traces

const maskedPassword = "xxxxxxxxxx"

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
	}
}

func VLogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

// login parameters carry secrets
func maskParameters(parameters map[string]any) map[string]any {
	masked := map[string]any{}
	for key, value := range parameters {
		switch key {
		case "password", "token":
			masked[key] = maskedPassword
		default:
			masked[key] = value
		}
	}
	return masked
}
