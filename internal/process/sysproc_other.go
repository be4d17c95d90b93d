//go:build !linux

package process

import "syscall"

// No parent death signal here; children watch their parent pid instead.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
