package audio

import (
	"os"
	"path/filepath"
)

// SaveFileAtomic writes data to a temp file next to path, syncs it and
// renames it into place, so readers never see a partial artifact.
func SaveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// SaveWAVAtomic encodes samples in format f and saves them atomically.
func SaveWAVAtomic(path string, f Format, samples []int16) error {
	return SaveFileAtomic(path, BuildWAV(FramesToPCM([][]int16{samples}), f), 0o644)
}
