package mux

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs do and recovers any panic, logging it and forwarding
// it to the given handlers instead of letting it cross the goroutine
// boundary. Every dispatch loop, tail forwarder, and file watcher
// goroutine in this module is wrapped with this so that a bug handling
// one stream or one table cannot take down the process.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("mux: unexpected error: %s", errorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch h := handler.(type) {
				case func():
					h()
				case func(error):
					h(err)
				}
			}
		}
	}()
	do()
	return
}

func errorJson(err any, stack []byte) string {
	var lines []string
	for _, line := range strings.Split(string(stack), "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	b, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": lines,
	})
	return string(b)
}

// TraceWithReturnError wraps do with a glog.V(2) timing trace, tagged with
// tag, and returns do's result unchanged.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	glog.Infof("[start   ]%s (%d)", tag, start.UnixMilli())
	result, returnErr = do()
	end := time.Now()
	millis := float64(end.Sub(start)) / float64(time.Millisecond)
	if returnErr != nil {
		glog.Infof("[end     ]%s (%.2fms) err = %s", tag, millis, returnErr)
	} else {
		glog.Infof("[end     ]%s (%.2fms)", tag, millis)
	}
	return
}
