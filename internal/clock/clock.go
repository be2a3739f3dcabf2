// Package clock abstracts wall time so expiry logic stays deterministic in tests.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock returns the current time. Services depend on this instead of time.Now
// so grant expiry and cache staleness can be driven from tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New returns a Clock backed by system time in UTC.
func New() Clock { return systemClock{} }

// Module wires the system clock.
var Module = fx.Module("clock",
	fx.Provide(New),
)
