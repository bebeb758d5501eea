//go:build windows

package mcp

import "os"

// openPolicyFile has no O_NOFOLLOW on Windows; creating symlinks
// there requires elevated privileges, so the permission check is the
// primary control.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// Ownership is ACL-based on Windows; no check here.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
