package run

import "os"

// atomicWriteFile writes data to path via a temp-file-then-rename, so
// sidecars reading an access file never observe a partial write
// (spec.md §5 "updates are atomic replacements").
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
