package main

import (
	"os"

	"github.com/loykin/kmsconverge/internal/common"
)

// ExitHandler provides a testable way to handle program termination
type ExitHandler interface {
	Exit(code int)
	LogFatalError(err error, msg string, keyvals ...any)
}

// DefaultExitHandler implements ExitHandler for production use
type DefaultExitHandler struct {
	logger *common.Logger
}

// NewDefaultExitHandler creates a new default exit handler
func NewDefaultExitHandler() *DefaultExitHandler {
	return &DefaultExitHandler{
		logger: common.GetLogger().WithComponent("main"),
	}
}

// Exit terminates the program with the given exit code
func (h *DefaultExitHandler) Exit(code int) {
	os.Exit(code)
}

// LogFatalError logs a fatal error and exits the program. The logger is
// looked up at call time so the configured format applies.
func (h *DefaultExitHandler) LogFatalError(err error, msg string, keyvals ...any) {
	log := h.logger
	if log == nil {
		log = common.GetLogger().WithComponent("main")
	}
	allKeyvals := append([]any{"error", err}, keyvals...)
	log.Error(msg, allKeyvals...)
	h.Exit(1)
}

// Global exit handler (can be replaced for testing)
var exitHandler ExitHandler = &DefaultExitHandler{}
