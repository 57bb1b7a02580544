package uploader

import "os"

// defaultOpenFile is the production file opener; the package-level openFile
// var points at it and can be swapped, matching the teacher's
// `var statFunc = os.Stat` indirection in
// kusto/ingest/internal/queued/queued.go's IsLocalPath.
func defaultOpenFile(path string) (*os.File, error) {
	return os.Open(path)
}

// statFile is likewise swappable, directly porting the teacher's
// `var statFunc = os.Stat`.
var statFile = os.Stat
