package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Resource group (cgroup) errors
// 20100-20199: Sandbox root errors
// 20200-20299: Supervisor errors
// 20300-20399: Security profile errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Resource Group Errors (20000-20099) ==========

	CgroupUnavailable  ErrorCode = 20000
	CgroupNotWritable  ErrorCode = 20001
	CgroupCreateFailed ErrorCode = 20002
	CgroupSetupFailed  ErrorCode = 20003
	CgroupJoinFailed   ErrorCode = 20004
	CgroupRemoveFailed ErrorCode = 20005

	// ========== Sandbox Root Errors (20100-20199) ==========

	IsolationHelperMissing  ErrorCode = 20100
	RootSetupFailed         ErrorCode = 20101
	MountFailed             ErrorCode = 20102
	StagingFailed           ErrorCode = 20103
	DependencyResolveFailed ErrorCode = 20104
	LaunchFailed            ErrorCode = 20105

	// ========== Supervisor Errors (20200-20299) ==========

	ForkFailed       ErrorCode = 20200
	ChildSetupFailed ErrorCode = 20201
	HelperNotFound   ErrorCode = 20202

	// ========== Security Profile Errors (20300-20399) ==========

	SeccompProfileInvalid ErrorCode = 20300
	SeccompLoadFailed     ErrorCode = 20301
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal error",
	InvalidParams:       "Invalid parameters",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Resource group
	CgroupUnavailable:  "Cgroup filesystem not found",
	CgroupNotWritable:  "Cgroup filesystem not writable",
	CgroupCreateFailed: "Failed to create cgroup",
	CgroupSetupFailed:  "Failed to configure cgroup limits",
	CgroupJoinFailed:   "Failed to enter cgroup",
	CgroupRemoveFailed: "Failed to remove cgroup",

	// Sandbox root
	IsolationHelperMissing:  "Namespace isolation helper not available",
	RootSetupFailed:         "Failed to prepare sandbox root",
	MountFailed:             "Failed to mount sandbox root",
	StagingFailed:           "Failed to stage sandbox files",
	DependencyResolveFailed: "Failed to resolve program dependencies",
	LaunchFailed:            "Failed to launch sandboxed program",

	// Supervisor
	ForkFailed:       "Failed to start child process",
	ChildSetupFailed: "Child failed before the program ran",
	HelperNotFound:   "Sandbox init helper not found",

	// Security
	SeccompProfileInvalid: "Invalid seccomp profile",
	SeccompLoadFailed:     "Failed to load seccomp filter",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitCode returns the recommended process exit code for the error code
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c >= 10300 && c < 10400, c == InvalidParams: // Validation errors
		return 2
	case c >= 20000 && c < 20100: // Resource group
		return 3
	case c >= 20100 && c < 20200: // Sandbox root
		return 4
	case c >= 20200 && c < 20300: // Supervisor
		return 5
	case c >= 20300 && c < 20400: // Security
		return 6
	default:
		return 1
	}
}
