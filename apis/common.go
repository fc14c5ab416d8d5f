package apis

import (
	"net/http"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// AccessLogWriter forwards HTTP access log lines into the application log
type AccessLogWriter struct {
	common.Component
}

// GetAccessLogWriter define new AccessLogWriter
func GetAccessLogWriter(instance string) AccessLogWriter {
	return AccessLogWriter{
		Component: common.Component{LogTags: log.Fields{
			"module": "apis", "component": "access-log", "instance": instance,
		}},
	}
}

// Write logging support
func (w AccessLogWriter) Write(p []byte) (n int, err error) {
	// Access log lines end with a newline
	line := p
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	log.WithFields(w.LogTags).Infof("%s", line)
	return len(p), nil
}
