package streamingengine

import "os"

// defaultOpenFile is the production file opener; the package-level openFile
// var points at it and can be swapped to inject failures without touching the
// filesystem.
func defaultOpenFile(path string) (*os.File, error) {
	return os.Open(path)
}
