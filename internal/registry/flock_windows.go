//go:build windows

package registry

// lockFile is a no-op on Windows; only the in-process mutex applies.
func lockFile(string, bool) (func(), error) { return func() {}, nil }
