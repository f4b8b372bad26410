package watch

import (
	"fmt"
	"io"
	"sync"

	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/fatih/color"
)

// Printer writes one coloured line per event, for terminals where the
// dashboard is unwanted or output is piped.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	levels map[Level]*color.Color
	muted  *color.Color
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{
		w: w,
		levels: map[Level]*color.Color{
			LevelUnknown: color.New(color.FgWhite),
			LevelOK:      color.New(color.FgGreen),
			LevelWarn:    color.New(color.FgYellow),
			LevelAlert:   color.New(color.FgRed, color.Bold),
		},
		muted: color.New(color.FgHiBlack),
	}
}

func (p *Printer) Event(ev models.ChangeEvent) {
	kind := KindOf(ev.EntityID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.muted.Fprintf(p.w, "%s ", models.FormatTimestamp(ev.ObservedAt))
	fmt.Fprintf(p.w, "%-42s ", ev.EntityID)
	p.levels[Assess(kind, ev.State)].Fprintln(p.w, Format(kind, ev.State))
}

func (p *Printer) Status(msg StatusMsg) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.Connected {
		p.levels[LevelOK].Fprintln(p.w, "connected")
		return
	}
	if msg.Err != nil {
		p.levels[LevelAlert].Fprintf(p.w, "disconnected: %v\n", msg.Err)
		return
	}
	p.levels[LevelAlert].Fprintln(p.w, "disconnected")
}
