//go:build !linux

package bind

import "syscall"

func bindControl(network, address string, c syscall.RawConn) error {
	return nil
}
