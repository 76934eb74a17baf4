//go:build !unix

package instance

import (
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

func terminate(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
