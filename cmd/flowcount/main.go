// Command flowcount recomputes the deduplicated business counts of one
// day from the persisted event log.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/config"
	"github.com/Hikari-project/FD-Reid/internal/eventlog"
	"github.com/Hikari-project/FD-Reid/pkg/dto"
)

func main() {
	configPath := flag.String("config", "", "path to config file (log dir and cooldown)")
	dir := flag.String("dir", "logs", "event log directory")
	date := flag.String("date", "", "day to replay as YYYYMMDD (default today)")
	cooldown := flag.Duration("cooldown", 30*time.Minute, "per-identity dedup window")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		*dir = cfg.EventLog.Dir
		*cooldown = cfg.EventLog.Cooldown
	}

	day := time.Now()
	if *date != "" {
		d, err := time.ParseInLocation("20060102", *date, time.Local)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -date %q: want YYYYMMDD\n", *date)
			os.Exit(2)
		}
		day = d
	}

	counts, err := eventlog.CountsFromFile(eventlog.BusinessLogPath(*dir, day), *cooldown)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(dto.CountsResponse{
		Enter:   counts.Enter,
		Exit:    counts.Exit,
		Pass:    counts.Pass,
		ReEnter: counts.ReEnter,
		Date:    day.Format("20060102"),
	})
}
