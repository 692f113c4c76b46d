package build

import (
	"os"
	"path/filepath"
)

// TestDir is the directory that contains all of the files and folders
// created by tests in this module.
var TestDir = filepath.Join(os.TempDir(), "diskio-testing")

// TempDir joins the provided path elements and prefixes them with TestDir,
// removing any stale directory left over from a previous run.
func TempDir(dirs ...string) string {
	path := filepath.Join(TestDir, filepath.Join(dirs...))
	os.RemoveAll(path)
	return path
}
