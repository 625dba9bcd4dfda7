// Package interactive is the terminal view of every discovered device.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/devices"
)

const refreshInterval = time.Second

// DeviceLister supplies the devices to show, in display order.
type DeviceLister interface {
	Devices() []*devices.Device
	StopAll() bool
}

// LagControl adjusts the stream's lag reduction threshold.
type LagControl interface {
	LagThreshold() int
	SetLagThreshold(t int)
}

// Screen draws one line per device and turns key presses into device
// actions on the selected line.
type Screen struct {
	Current     tcell.Screen
	exitCTXfunc context.CancelFunc
	redraw      chan struct{}
	finiOnce    sync.Once

	mu       sync.RWMutex
	lister   DeviceLister
	lag      LagControl
	selected int
	showLog  bool
	showLag  bool
	hotkeys  bool

	now func() time.Time
}

// InitTcellNewScreen creates a screen on the real terminal. Cancel is
// called when the user quits.
func InitTcellNewScreen(cancel context.CancelFunc) (*Screen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, errors.New("can't start new interactive screen")
	}

	return newScreen(s, cancel), nil
}

func newScreen(s tcell.Screen, cancel context.CancelFunc) *Screen {
	return &Screen{
		Current:     s,
		exitCTXfunc: cancel,
		redraw:      make(chan struct{}, 1),
		hotkeys:     true,
		now:         time.Now,
	}
}

// SetLister sets the device source. It is set after construction because
// the registry takes the screen as its observer.
func (p *Screen) SetLister(l DeviceLister) {
	p.mu.Lock()
	p.lister = l
	p.mu.Unlock()
	p.requestRedraw()
}

// SetLagControl shows the lag threshold and enables "+" and "-".
func (p *Screen) SetLagControl(l LagControl, visible bool) {
	p.mu.Lock()
	p.lag = l
	p.showLag = visible
	p.mu.Unlock()
	p.requestRedraw()
}

// SetShowLog toggles the activity log of the selected device.
func (p *Screen) SetShowLog(visible bool) {
	p.mu.Lock()
	p.showLog = visible
	p.mu.Unlock()
	p.requestRedraw()
}

// SetHotkeys enables the volume and mute keys.
func (p *Screen) SetHotkeys(enabled bool) {
	p.mu.Lock()
	p.hotkeys = enabled
	p.mu.Unlock()
}

func (p *Screen) hotkeysEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hotkeys
}

// DeviceStateChanged implements devices.StateObserver.
func (p *Screen) DeviceStateChanged(*devices.Device, devices.PlaybackState) {
	p.requestRedraw()
}

// DeviceAdded implements devices.RegistryObserver.
func (p *Screen) DeviceAdded(*devices.Device) {
	p.requestRedraw()
}

func (p *Screen) requestRedraw() {
	select {
	case p.redraw <- struct{}{}:
	default:
	}
}

func (p *Screen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

func (p *Screen) devices() []*devices.Device {
	p.mu.RLock()
	l := p.lister
	p.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Devices()
}

// selectedDevice clamps the selection to the current list.
func (p *Screen) selectedDevice() (*devices.Device, int) {
	devs := p.devices()
	if len(devs) == 0 {
		return nil, 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected >= len(devs) {
		p.selected = len(devs) - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
	return devs[p.selected], p.selected
}

// Draw renders the whole screen.
func (p *Screen) Draw() {
	s := p.Current
	w, h := s.Size()
	now := p.now()

	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	reverseStyle := tcell.StyleDefault.Reverse(true)

	s.Clear()

	p.emitStr(1, 0, boldStyle, "Desktop audio caster")
	p.emitStr(1, 1, tcell.StyleDefault, keyHelp)

	p.mu.RLock()
	lag, showLag, showLog := p.lag, p.showLag, p.showLog
	p.mu.RUnlock()

	row := 3
	if showLag && lag != nil {
		p.emitStr(1, row, tcell.StyleDefault, lagLine(lag.LagThreshold()))
		row += 2
	}

	devs := p.devices()
	sel, selIdx := p.selectedDevice()
	if len(devs) == 0 {
		p.emitStr(1, row, tcell.StyleDefault, "Searching for devices...")
		s.Show()
		return
	}

	for i, d := range devs {
		if row >= h {
			break
		}
		style := tcell.StyleDefault
		prefix := "  "
		if i == selIdx {
			style = reverseStyle
			prefix = "> "
		}
		p.emitStr(1, row, style, runewidth.Truncate(prefix+deviceLine(d.Status(), now), w-2, "…"))
		row++
	}

	if showLog && sel != nil {
		row++
		lines := sel.Activity().Lines()
		if avail := h - row - 1; avail < len(lines) {
			if avail < 0 {
				avail = 0
			}
			lines = lines[len(lines)-avail:]
		}
		if row < h {
			p.emitStr(1, row, boldStyle, "Log: "+sel.FriendlyName())
			row++
		}
		for _, l := range lines {
			if row >= h {
				break
			}
			p.emitStr(3, row, tcell.StyleDefault, runewidth.Truncate(l, w-4, "…"))
			row++
		}
	}

	s.Show()
}

const keyHelp = `ESC/q quit  ↑↓ select  Enter click  PgUp/PgDn volume  "m" mute  "s" stop  "l" log`

// deviceLine is one row of the device list.
func deviceLine(st devices.Status, now time.Time) string {
	state := st.State.String()
	if st.Detail != "" {
		state += " " + st.Detail
	}

	line := fmt.Sprintf("%s (%s)  %s  vol %d%%", st.FriendlyName, st.Host, state, int(math.Round(st.Level*100)))
	if st.Muted {
		line += " [muted]"
	}
	if st.Streaming {
		line += " [streaming]"
	}
	if !st.LastKeepAlive.IsZero() {
		line += fmt.Sprintf("  alive %s ago", now.Sub(st.LastKeepAlive).Truncate(time.Second))
	}
	return line
}

func lagLine(threshold int) string {
	if threshold <= 0 || threshold >= 1000 {
		return `Lag reduction: off  ("+"/"-" to adjust)`
	}
	return fmt.Sprintf(`Lag reduction: skip 1 frame in %d  ("+"/"-" to adjust)`, threshold)
}

// InterInit runs the screen until the user quits or ctx is done.
func (p *Screen) InterInit(ctx context.Context) error {
	s := p.Current
	if err := s.Init(); err != nil {
		return fmt.Errorf("interactive: %w", err)
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)
	p.Draw()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.closeScreen()
				return
			case <-ticker.C:
			case <-p.redraw:
			}
			p.Draw()
		}
	}()

	for {
		ev := s.PollEvent()
		if ev == nil {
			return nil
		}
		switch ev := ev.(type) {
		case *tcell.EventResize:
			s.Sync()
			p.Draw()
		case *tcell.EventKey:
			p.HandleKeyEvent(ev)
		}
	}
}

// HandleKeyEvent applies one key press.
func (p *Screen) HandleKeyEvent(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyEscape:
		p.Fini()
		return
	case tcell.KeyUp:
		p.moveSelection(-1)
		return
	case tcell.KeyDown:
		p.moveSelection(1)
		return
	case tcell.KeyEnter:
		if d, _ := p.selectedDevice(); d != nil {
			d.Click()
		}
		return
	case tcell.KeyPgUp, tcell.KeyPgDn:
		if d, _ := p.selectedDevice(); d != nil && p.hotkeysEnabled() {
			d.StepVolume(ev.Key() == tcell.KeyPgUp)
		}
		p.requestRedraw()
		return
	}

	switch ev.Rune() {
	case 'q':
		p.Fini()
	case ' ':
		if d, _ := p.selectedDevice(); d != nil {
			d.Click()
		}
	case 'm':
		if d, _ := p.selectedDevice(); d != nil && p.hotkeysEnabled() {
			d.SetMuted(!d.Status().Muted)
		}
	case 's':
		if d, _ := p.selectedDevice(); d != nil {
			d.Stop()
		}
	case 'l':
		p.mu.Lock()
		p.showLog = !p.showLog
		p.mu.Unlock()
	case '+', '-':
		p.adjustLag(ev.Rune() == '+')
	}
	p.requestRedraw()
}

func (p *Screen) moveSelection(delta int) {
	n := len(p.devices())

	p.mu.Lock()
	p.selected += delta
	if p.selected >= n {
		p.selected = n - 1
	}
	if p.selected < 0 {
		p.selected = 0
	}
	p.mu.Unlock()
	p.requestRedraw()
}

// adjustLag moves the threshold one step; "-" from off starts at 999.
func (p *Screen) adjustLag(more bool) {
	p.mu.RLock()
	lag, visible := p.lag, p.showLag
	p.mu.RUnlock()
	if lag == nil || !visible {
		return
	}

	t := lag.LagThreshold()
	if more {
		t++
	} else {
		t--
	}
	if t < 1 {
		t = 1
	}
	lag.SetLagThreshold(t)
}

// Fini stops every device, closes the screen and cancels the run context.
func (p *Screen) Fini() {
	p.mu.RLock()
	l := p.lister
	p.mu.RUnlock()
	if l != nil {
		l.StopAll()
	}

	p.closeScreen()
	if p.exitCTXfunc != nil {
		p.exitCTXfunc()
	}
}

func (p *Screen) closeScreen() {
	p.finiOnce.Do(p.Current.Fini)
}
