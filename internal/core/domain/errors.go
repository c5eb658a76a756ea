package domain

import "errors"

var (
	ErrOptimizerClosed   = errors.New("connection optimizer closed")
	ErrOrchestratorGone  = errors.New("performance orchestrator destroyed")
	ErrAlreadyMonitoring = errors.New("monitoring already started")
	ErrNoEndpoints       = errors.New("no CDN endpoints configured")
	ErrUnknownEvent      = errors.New("unknown event type")
	ErrResourceNotFound  = errors.New("resource not registered")
	ErrProbeInFlight     = errors.New("probe round already in flight")
)
