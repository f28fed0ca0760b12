//go:build !linux

package disk

import "os"

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}
