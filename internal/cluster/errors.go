package cluster

import "errors"

// ErrNotFound is returned when an operation targets a missing cluster.
var ErrNotFound = errors.New("cluster not found")
