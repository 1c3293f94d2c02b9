package driven

import "context"

// Command is an external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// CommandRunner executes external processes. A non-zero exit is reported as
// a *ProcessError.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (stdout []byte, err error)
}

// ServiceController reloads or restarts system services. Reload keeps
// in-flight connections, restart does not.
type ServiceController interface {
	Reload(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
}
