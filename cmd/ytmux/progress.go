package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ytget/ytmux"
)

// printProgress renders execution events on a single terminal line.
func printProgress(w io.Writer, events <-chan ytmux.Event) {
	for ev := range events {
		if line := progressLine(ev); line != "" {
			_, _ = fmt.Fprintf(w, "\r%-72s", line)
		}
	}
}

func progressLine(ev ytmux.Event) string {
	switch {
	case ev.Err != nil:
		return fmt.Sprintf("[%s] %v", ev.State, ev.Err)
	case ev.Total > 0:
		return fmt.Sprintf("[%s] %s / %s (%.1f%%)", ev.State,
			humanize.Bytes(uint64(ev.Bytes)), humanize.Bytes(uint64(ev.Total)),
			float64(ev.Bytes)*100/float64(ev.Total))
	case ev.Bytes > 0:
		return fmt.Sprintf("[%s] %s", ev.State, humanize.Bytes(uint64(ev.Bytes)))
	case ev.Position > 0:
		return fmt.Sprintf("[%s] %s", ev.State, ev.Position.Truncate(time.Second))
	}
	return fmt.Sprintf("[%s]", ev.State)
}
