//go:build unix

package ld

import "golang.org/x/sys/unix"

func isPrivileged() bool {
	return unix.Getuid() != unix.Geteuid() || unix.Getgid() != unix.Getegid()
}
