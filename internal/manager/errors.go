package manager

import (
	"errors"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

// Errors returned by Manager operations. They alias the owning packages'
// sentinels so errors.Is works against either name.
var (
	ErrNotFound      = registry.ErrNotFound
	ErrCorrupt       = registry.ErrCorrupt
	ErrInvalid       = registry.ErrInvalid
	ErrLaunchFailed  = process.ErrLaunchFailed
	ErrNoLogs        = logger.ErrNoLogs
	ErrLimitExceeded = errors.New("limit exceeded")
)
