// Package diag implements the typed error taxonomy and non-fatal
// diagnostic model shared by every orchestration component.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the stable error taxonomy. CLI layers map Kind to exit
// codes; nothing downstream of diag should switch on error strings.
type Kind string

const (
	KindReadConfig                Kind = "ReadConfig"
	KindParseConfig                Kind = "ParseConfig"
	KindInvalidConfig              Kind = "InvalidConfig"
	KindDeprecatedConfig           Kind = "DeprecatedConfig"
	KindExplicitConfigMissing      Kind = "ExplicitConfigMissing"
	KindConfigDiscoveryFailed      Kind = "ConfigDiscoveryFailed"
	KindWorkingDirectoryUnavailable Kind = "WorkingDirectoryUnavailable"
	KindWriteConfig                Kind = "WriteConfig"
	KindCreateDir                  Kind = "CreateDir"
	KindPreflightFailed             Kind = "PreflightFailed"
	KindLaunchFailed               Kind = "LaunchFailed"
	KindShutdownFailed             Kind = "ShutdownFailed"
	KindBootstrapFailed            Kind = "BootstrapFailed"
	KindLogReadFailed              Kind = "LogReadFailed"
	KindBusPublishFailed           Kind = "BusPublishFailed"
	KindWorkspaceNotFound          Kind = "WorkspaceNotFound"
	KindWorkspaceConfigUnavailable Kind = "WorkspaceConfigUnavailable"
	KindNoActiveWorkspaces         Kind = "NoActiveWorkspaces"
	KindAlreadyInitialized         Kind = "AlreadyInitialized"
	KindSkipDiscoveryRequiresConfig Kind = "SkipDiscoveryRequiresConfig"
	KindManagedImageMissing       Kind = "ManagedImageMissing"
)

// ExitCode maps a Kind to the stable operator-visible exit class of §7.
func (k Kind) ExitCode() int {
	switch k {
	case KindReadConfig, KindParseConfig, KindInvalidConfig, KindDeprecatedConfig,
		KindConfigDiscoveryFailed, KindSkipDiscoveryRequiresConfig:
		return 65 // configuration
	case KindExplicitConfigMissing, KindWorkspaceNotFound, KindWorkspaceConfigUnavailable,
		KindNoActiveWorkspaces:
		return 66 // missing inputs
	case KindAlreadyInitialized:
		return 73
	case KindWriteConfig, KindCreateDir:
		return 74
	case KindPreflightFailed, KindLaunchFailed, KindShutdownFailed, KindBootstrapFailed,
		KindLogReadFailed, KindBusPublishFailed, KindWorkingDirectoryUnavailable,
		KindManagedImageMissing:
		return 70 // preflight / operational
	default:
		return 1
	}
}

// Error is the single typed error type returned from orchestrator
// operations. It never conflates with Diagnostic: something that stops
// the operation is an Error, something merely worth telling the operator
// is a Diagnostic.
type Error struct {
	Kind    Kind
	Message string
	Path    string
	cause   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Format supports "%+v" to print the wrapped cause's stack trace, when
// the cause was itself produced with github.com/pkg/errors.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.cause != nil {
				fmt.Fprintf(s, "\ncaused by: %+v", e.cause)
			}
			return
		}
		fallthrough
	default:
		fmt.Fprintf(s, "%s", e.Error())
	}
}

// New builds a Kind-tagged error with no path and no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches the filesystem path most relevant to the failure.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Wrap attaches cause as the wrapped error, capturing a stack trace via
// pkg/errors if cause does not already carry one.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if _, hasStack := cause.(interface{ StackTrace() errors.StackTrace }); cause != nil && !hasStack {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Severity of a non-fatal Diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is a non-fatal, additive observation accumulated alongside
// an operation's primary result. Diagnostics never abort control flow.
type Diagnostic struct {
	Severity Severity
	Message  string
	Path     string `json:",omitempty"`
	Help     string `json:",omitempty"`
}

func Info(msg string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityInfo, Message: fmt.Sprintf(msg, args...)}
}

func Warning(msg string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Message: fmt.Sprintf(msg, args...)}
}

func ErrorDiag(msg string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityError, Message: fmt.Sprintf(msg, args...)}
}

func (d Diagnostic) WithPath(path string) Diagnostic {
	d.Path = path
	return d
}

func (d Diagnostic) WithHelp(help string) Diagnostic {
	d.Help = help
	return d
}
