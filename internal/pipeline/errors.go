package pipeline

import "errors"

// ErrNoBasicValve is returned by Pipeline.Invoke when no basic valve
// was ever set on a container's pipeline.
var ErrNoBasicValve = errors.New("pipeline: container has no basic valve")
