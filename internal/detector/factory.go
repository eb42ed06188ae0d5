package detector

import (
	"errors"
	"fmt"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
)

// ErrUnknownDetector is returned by New for names not registered here.
var ErrUnknownDetector = errors.New("unknown detector")

// New builds the detector registered under name, pulling its configuration
// subset from cfg.
func New(name string, cfg *config.Config) (Detector, error) {
	switch name {
	case config.DetectorFileSystem:
		return NewFileSystemDetector(cfg.GetStrings(config.KeyWatchPaths, []string{"."})), nil
	case config.DetectorProcess:
		return NewProcessDetector(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDetector, name)
	}
}
