package server

import "context"

// Runner is the lifecycle of the registrar process
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	RunWithSignalHandling() error
}
