package exitcode

// Exit codes for ioai commands
const (
	Success          = 0
	Error            = 1
	CredentialNeeded = 2
	SendFailed       = 3
	Cancelled        = 130 // 128 + SIGINT
)

// ExitError is an error that carries a specific exit code
type ExitError struct {
	Code    int
	Message string
}

func (e ExitError) Error() string {
	return e.Message
}

// Convenience constructors
func NeedsCredential(msg string) ExitError { return ExitError{Code: CredentialNeeded, Message: msg} }
func Failed(msg string) ExitError          { return ExitError{Code: SendFailed, Message: msg} }
func Cancel() ExitError                    { return ExitError{Code: Cancelled, Message: "cancelled"} }
