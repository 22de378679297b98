// Package mincore probes page residency of raw memory regions.
package mincore

import "os"

// PageSize returns the OS small page size.
func PageSize() int {
	return os.Getpagesize()
}
