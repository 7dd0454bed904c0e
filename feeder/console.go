package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/itohio/gofeeder/pkg/feeder"
	"github.com/itohio/gofeeder/pkg/presence"
)

// console prints landings and departures for someone watching the terminal.
type console struct {
	w      io.Writer
	landed *color.Color
	left   *color.Color
	dim    *color.Color
}

func newConsole(w io.Writer) *console {
	return &console{
		w:      w,
		landed: color.New(color.FgGreen, color.Bold),
		left:   color.New(color.FgYellow),
		dim:    color.New(color.FgHiBlack),
	}
}

func (c *console) handle(r feeder.Record) {
	ts := r.Time.Format("15:04:05")
	switch r.Event.Kind {
	case presence.Landed:
		weight := "n/a"
		if r.Event.Weight != nil {
			weight = fmt.Sprintf("%.2fg", *r.Event.Weight)
		}
		c.landed.Fprintf(c.w, "%s bird landed", ts)
		fmt.Fprintf(c.w, " weight=%s by=%s", weight, r.Event.Source)
		if r.Photo != "" {
			c.dim.Fprintf(c.w, " photo=%s", filepath.Base(r.Photo))
		}
		fmt.Fprintln(c.w)
	case presence.Left:
		c.left.Fprintf(c.w, "%s bird left\n", ts)
	}
}
