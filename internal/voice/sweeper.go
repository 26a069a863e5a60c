package voice

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// SweepArtifacts removes audio artifacts and their sidecars older than
// cutoff from dir and every directory below it, then prunes emptied
// per-turn directories. Turns delete their own files, so anything found
// here was orphaned by a crash or a killed turn.
func SweepArtifacts(dir string, cutoff time.Time) int {
	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	removed := 0
	for _, d := range dirs {
		all, err := FindArtifacts(d, time.Time{})
		if err != nil {
			continue
		}
		for _, p := range all {
			st, err := os.Stat(p)
			if err != nil || !st.ModTime().Before(cutoff) {
				continue
			}
			if err := DeleteArtifact(p); err == nil {
				removed++
			}
		}
	}
	// Deepest first so a channel directory empties after its turn dirs.
	for i := len(dirs) - 1; i > 0; i-- {
		if st, err := os.Stat(dirs[i]); err == nil && st.ModTime().Before(cutoff) {
			_ = os.Remove(dirs[i])
		}
	}
	return removed
}

// StartArtifactSweeper periodically sweeps dirs until ctx ends. Caller must
// call wg.Add(1) first; the goroutine calls wg.Done on exit.
func StartArtifactSweeper(ctx context.Context, wg *sync.WaitGroup, dirs []string, retention, interval time.Duration) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				for _, d := range dirs {
					if n := SweepArtifacts(d, cutoff); n > 0 {
						logging.Infow("sweeper: removed orphaned artifacts", "dir", d, "removed", n)
					}
				}
			}
		}
	}()
}
