// Package health implements the healthz check registry and its HTTP
// handler. Subsystems register check functions at startup; GET /healthz runs
// them all and reports the combined status.
package health

import (
	"sync"

	"github.com/joeycumines/logiface"

	"github.com/tsdb2/platform-sub002/http2"
)

// Path is the request path the handler is registered under.
const Path = `/healthz`

type (
	// CheckFn is a single health check. A nil return means healthy.
	CheckFn func() error

	// Checks is a registry of health checks.
	Checks struct {
		mu     sync.Mutex
		checks []CheckFn
	}
)

var defaultChecks Checks

// Default returns the process-wide check registry.
func Default() *Checks { return &defaultChecks }

// AddCheck registers a health check.
func (c *Checks) AddCheck(check CheckFn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run executes the registered checks in order and returns the first failure;
// the checks after a failing one are not run.
func (c *Checks) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, check := range c.checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// NewHandler returns the /healthz handler: for GET, 200 with "ok" when every
// check passes, otherwise the error messages of all failing checks, one per
// line; 405 for every other method.
func NewHandler(checks *Checks, logger *logiface.Logger[logiface.Event]) http2.Handler {
	return http2.HandlerFunc(func(stream http2.StreamInterface, request *http2.Request) {
		if request.Method != `GET` {
			http2.SendFieldsOrLog(logger, stream, http2.StatusFields(405), true)
			return
		}
		reply := ``
		checks.mu.Lock()
		for _, check := range checks.checks {
			if err := check(); err != nil {
				reply += err.Error() + "\n"
			}
		}
		checks.mu.Unlock()
		if reply == `` {
			reply = "ok\n"
		}
		fields := append(http2.StatusFields(200), http2.HeaderSet{
			{Name: `content-type`, Value: `text/plain`},
			{Name: `content-disposition`, Value: `inline`},
		}...)
		http2.SendResponseOrLog(logger, stream, fields, []byte(reply))
	})
}

// Register adds the default handler to the provided handler set.
func Register(handlers http2.HandlerSet, logger *logiface.Logger[logiface.Event]) error {
	return handlers.Register(Path, NewHandler(Default(), logger))
}
