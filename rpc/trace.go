package rpc

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers a panic into the returned error
// the panic is logged under `tag` and passed to each `onPanic`
func HandleError(tag string, do func(), onPanic ...func(error)) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		glog.Errorf("[%s]unexpected error: %s\n", tag, panicJson(r, debug.Stack()))
		var ok bool
		if err, ok = r.(error); !ok {
			err = fmt.Errorf("%s", r)
		}
		for _, handler := range onPanic {
			handler(err)
		}
	}()
	do()
	return nil
}

// the panic value and its trimmed stack lines as one json line
func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	panicBytes, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(panicBytes)
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	doTag := do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	glog.Infof("[%-8s]%s (%.2fms) (%d)%s\n", "end", tag, millis, end.UnixMilli(), doTag)
}
