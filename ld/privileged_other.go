//go:build !unix

package ld

func isPrivileged() bool {
	return false
}
