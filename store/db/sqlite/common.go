package sqlite

import (
	"fmt"
	"strings"

	coreerrors "github.com/hrygo/crmsync/internal/errors"
)

// placeholders returns n placeholders for SQLite
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, "?")
	}
	return strings.Join(list, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// unavailable maps a driver failure to a transient storage error.
func unavailable(err error, format string, args ...any) error {
	return coreerrors.StorageUnavailable(fmt.Sprintf(format, args...), err)
}
