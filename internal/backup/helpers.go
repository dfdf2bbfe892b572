package backup

import (
	"io"
	"os"
)

// readFileCapped reads path in full, refusing files over MaxFileSize
// without loading their contents.
func readFileCapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, ErrTooLarge
	}
	return io.ReadAll(f)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
