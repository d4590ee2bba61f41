package enginecfg

import "fmt"

// ConfigLoadError reports an I/O or parse failure while building the engine
// configuration. Op names the step that failed.
type ConfigLoadError struct {
	Op  string
	Err error
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("engine config: %s: %v", e.Op, e.Err)
}

func (e *ConfigLoadError) Unwrap() error { return e.Err }

func loadErr(op string, err error) error {
	return &ConfigLoadError{Op: op, Err: err}
}
