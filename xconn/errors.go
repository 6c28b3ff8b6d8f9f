package xconn

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("xconn: connection closed")

// ExtensionError reports a missing or too old server extension.
type ExtensionError struct {
	Name string
	// Have is the version the server supports, if the extension is present.
	Have string
	Want string
}

func (e *ExtensionError) Error() string {
	if e.Have == "" {
		return fmt.Sprintf("xconn: server lacks the %s extension", e.Name)
	}
	return fmt.Sprintf("xconn: %s %s is too old, need %s", e.Name, e.Have, e.Want)
}
