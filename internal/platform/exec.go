package platform

import (
	"context"
	"os/exec"
)

// Executor abstracts exec.Command so disk-tool invocations can be faked
// in tests without touching real devices.
type Executor interface {
	// Run executes a command and waits for it to complete.
	Run(ctx context.Context, name string, args ...string) error

	// Output runs a command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealExecutor runs actual system commands.
type RealExecutor struct{}

//nolint:wrapcheck // exec errors carry the context callers need
func (*RealExecutor) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

//nolint:wrapcheck // exec errors carry the context callers need
func (*RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
