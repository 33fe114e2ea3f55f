package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

func snapshotKey(identity int64, camera string, at time.Time) string {
	return fmt.Sprintf("snapshots/%d/%s_%d.jpg", identity, camera, at.UnixMilli())
}

// snapshot uploads the crop an identity was resolved from, in the
// background. Failures are logged only.
func (s *Source) snapshot(identity int64, at time.Time, img image.Image) {
	if s.deps.Snapshots == nil || img == nil {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		s.log.Warn("encode snapshot", "identity", identity, "error", err)
		return
	}
	key := snapshotKey(identity, s.id, at)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.deps.Snapshots.SaveSnapshot(ctx, key, buf.Bytes()); err != nil {
			s.log.Warn("save snapshot", "key", key, "error", err)
		}
	}()
}
