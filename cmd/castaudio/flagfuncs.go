package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/devices"
)

const listDuration = 6 * time.Second

// listSink collects discovered devices for -l.
type listSink struct {
	mu    sync.Mutex
	found map[string]devices.Discovered
}

func (l *listSink) DeviceAvailable(d devices.Discovered) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.found == nil {
		l.found = make(map[string]devices.Discovered)
	}
	if _, ok := l.found[d.Host]; !ok {
		l.found[d.Host] = d
	}
}

func (l *listSink) sorted() []devices.Discovered {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]devices.Discovered, 0, len(l.found))
	for _, d := range l.found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FriendlyName != out[j].FriendlyName {
			return out[i].FriendlyName < out[j].FriendlyName
		}
		return out[i].Host < out[j].Host
	})
	return out
}

func listFlagFunction() error {
	ctx, cancel := context.WithTimeout(context.Background(), listDuration)
	defer cancel()

	sink := &listSink{}
	devices.AddStatic(sink, *targetPtr)

	go devices.NewSSDPDiscovery(sink, zerolog.Nop()).Run(ctx)
	devices.NewMDNSDiscovery(sink, zerolog.Nop()).Run(ctx)

	found := sink.sorted()
	if len(found) == 0 {
		return devices.ErrNoDeviceAvailable
	}

	fmt.Println()
	printDevices(os.Stdout, found)
	return nil
}

func printDevices(w io.Writer, found []devices.Discovered) {
	boldStart := ""
	boldEnd := ""

	if runtime.GOOS == "linux" {
		boldStart = "\033[1m"
		boldEnd = "\033[0m"
	}

	for i, d := range found {
		_, _ = fmt.Fprintf(w, "%sDevice %v%s\n", boldStart, i+1, boldEnd)
		_, _ = fmt.Fprintf(w, "%s--------%s\n", boldStart, boldEnd)
		_, _ = fmt.Fprintf(w, "%sName:%s    %s\n", boldStart, boldEnd, d.FriendlyName)
		_, _ = fmt.Fprintf(w, "%sAddress:%s %s\n", boldStart, boldEnd, d.Address())
		_, _ = fmt.Fprintf(w, "%sSource:%s  %s\n", boldStart, boldEnd, d.Source)
		_, _ = fmt.Fprintln(w)
	}
}

func checkflags() (exit bool, err error) {
	checkVerflag()

	if err := checkTflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	if err := checkToneflag(); err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	list, err := checkLflag()
	if err != nil {
		return false, errors.Wrap(err, "checkflags error")
	}

	return list, nil
}

func checkTflag() error {
	if *targetPtr == "" {
		return nil
	}

	if len(devices.ParseStaticDevices(*targetPtr)) == 0 {
		return errors.Errorf("checkTflag error: no valid device address in %q", *targetPtr)
	}

	return nil
}

func checkToneflag() error {
	if *tonePtr < 0 || *tonePtr > 20000 {
		return errors.Errorf("checkToneflag error: frequency %v out of range", *tonePtr)
	}

	return nil
}

func checkLflag() (bool, error) {
	if *listPtr {
		if err := listFlagFunction(); err != nil {
			return false, errors.Wrap(err, "checkLflag error")
		}
		return true, nil
	}

	return false, nil
}

func checkVerflag() {
	if *versionPtr {
		fmt.Printf("castaudio Version: %s\n", version)
		os.Exit(0)
	}
}
