//go:build !linux

package fauxnet

import "errors"

// DropPrivileges is only meaningful on Linux, where the rest of the
// interception stack lives.
func DropPrivileges(username, groupname string) error {
	return errors.New("privilege dropping is only supported on linux")
}
