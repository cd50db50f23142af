//go:build !unix

package advertising

import (
	"syscall"
)

func reuseAddressControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
