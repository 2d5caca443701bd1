package retry

import "github.com/pkg/errors"

// ErrIndexOutOfRange is returned by DeadLetterStore.Retry for an
// out-of-bounds index.
var ErrIndexOutOfRange = errors.New("retry: dead-letter index out of range")
