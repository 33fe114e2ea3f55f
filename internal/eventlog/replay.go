package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/flow"
	"github.com/Hikari-project/FD-Reid/internal/models"
)

// CountsFromReader recomputes deduplicated counts from persisted log
// lines. Malformed lines and system lines are skipped.
func CountsFromReader(r io.Reader, cooldown time.Duration) (Counts, error) {
	counters := NewCounters(cooldown)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var line models.LogLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil || line.Type != models.LineBusiness {
			continue
		}
		var ev models.BusinessEvent
		if err := json.Unmarshal(line.Data, &ev); err != nil {
			continue
		}
		kind := flow.Kind(ev.EventType)
		switch kind {
		case flow.KindEnter, flow.KindExit, flow.KindPass, flow.KindReEnter:
			counters.Add(kind, ev.ReidID, ev.Timestamp)
		}
	}
	if err := sc.Err(); err != nil {
		return Counts{}, fmt.Errorf("read event log: %w", err)
	}
	return counters.Snapshot(), nil
}

// CountsFromFile replays one day file. A missing file yields zero counts.
func CountsFromFile(path string, cooldown time.Duration) (Counts, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Counts{}, nil
	}
	if err != nil {
		return Counts{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return CountsFromReader(f, cooldown)
}

// DailyCounts replays the business log of the given day.
func (l *Log) DailyCounts(day time.Time) (Counts, error) {
	return CountsFromFile(l.path(models.LineBusiness, day), l.cfg.Cooldown)
}

// BusinessLogPath is the day file for business events under dir.
func BusinessLogPath(dir string, day time.Time) string {
	return logPath(dir, models.LineBusiness, day)
}
