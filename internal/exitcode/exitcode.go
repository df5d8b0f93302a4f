package exitcode

import (
	"os"
	"strings"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ConfigError indicates an unreadable or invalid configuration
	ConfigError = 3

	// AuthError indicates the identity provider could not be set up
	AuthError = 5

	// NetworkError indicates a listener or upstream connectivity issue
	NetworkError = 6

	// Interrupted indicates the process was stopped by a signal
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode maps an error returned by a command to an exit code.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "invalid configuration") || strings.Contains(errMsg, "failed to load configuration") {
		return ConfigError
	}

	if strings.Contains(errMsg, "identity provider") {
		return AuthError
	}

	if strings.Contains(errMsg, "address already in use") || strings.Contains(errMsg, "connection refused") {
		return NetworkError
	}
	if strings.Contains(errMsg, "server error") {
		return NetworkError
	}

	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") ||
		strings.Contains(errMsg, "unknown flag") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "accepts") {
		return UsageError
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case AuthError:
		return "Identity provider error"
	case NetworkError:
		return "Network error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
