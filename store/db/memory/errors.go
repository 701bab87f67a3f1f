package memory

import (
	coreerrors "github.com/hrygo/crmsync/internal/errors"
)

var errClosed = coreerrors.StorageUnavailable("memory driver closed", nil)
