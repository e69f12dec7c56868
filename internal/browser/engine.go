package browser

import (
	"fmt"
	"log/slog"

	"github.com/maltedev/proxy-probe/internal/session"
)

const (
	EnginePlaywright = "playwright"
	EngineRod        = "rod"
)

// Driver is a session driver that holds process-level resources.
type Driver interface {
	session.Driver
	Close() error
}

// NewDriver builds the engine a run's crawler variant asks for.
func NewDriver(engine string, opts *Options, rodBin string, logger *slog.Logger) (Driver, error) {
	switch engine {
	case EnginePlaywright, "":
		return NewPlaywright(opts, logger)
	case EngineRod:
		return NewRod(opts, rodBin, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", engine)
	}
}
