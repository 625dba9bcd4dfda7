package main

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/devices"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/config"
)

func TestListSinkDedupsAndSorts(t *testing.T) {
	var sink listSink
	sink.DeviceAvailable(devices.Discovered{Host: "192.168.1.21", FriendlyName: "Kitchen"})
	sink.DeviceAvailable(devices.Discovered{Host: "192.168.1.20", FriendlyName: "Den"})
	sink.DeviceAvailable(devices.Discovered{Host: "192.168.1.21", FriendlyName: "Kitchen again"})

	got := sink.sorted()
	require.Len(t, got, 2)
	require.Equal(t, "Den", got[0].FriendlyName)
	require.Equal(t, "Kitchen", got[1].FriendlyName)
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	printDevices(&buf, []devices.Discovered{
		{Host: "192.168.1.20", Port: 8009, FriendlyName: "Den", Source: devices.SourceMDNS},
	})

	out := buf.String()
	require.Contains(t, out, "Device 1")
	require.Contains(t, out, "Den")
	require.Contains(t, out, "192.168.1.20")
	require.Contains(t, out, devices.SourceMDNS)
}

func TestStreamHandlerPublishesURL(t *testing.T) {
	registry := devices.NewRegistry(nil, nil)
	t.Cleanup(registry.Dispose)

	h := &streamHandler{registry: registry, logger: zerolog.Nop()}
	h.Listening("192.168.1.10", 40123)

	require.Equal(t, "http://192.168.1.10:40123/", registry.Settings().StreamURL())
}

func TestChooseListenIP(t *testing.T) {
	tt := []struct {
		name   string
		iface  string
		static string
		want   string
	}{
		{`Configured address`, `192.168.1.10`, ``, `192.168.1.10`},
		{`Route to pinned device`, ``, `127.0.0.1,Local`, `127.0.0.1`},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, chooseListenIP(tc.iface, tc.static))
		})
	}

	require.NotEmpty(t, chooseListenIP("", ""))
}

func TestApplySettings(t *testing.T) {
	s := devices.NewSettings()
	c := config.Default()
	c.AutoRestart = true
	c.VolumeStep = 0.1

	applySettings(s, c)

	enabled, delay := s.AutoRestart()
	require.True(t, enabled)
	require.Equal(t, config.DefaultAutoRestartDelay, delay)
	require.InDelta(t, 0.1, s.VolumeStep(), 1e-9)
}

func TestCheckFlags(t *testing.T) {
	target, tone := *targetPtr, *tonePtr
	t.Cleanup(func() { *targetPtr, *tonePtr = target, tone })

	*targetPtr = "192.168.1.20,Den"
	require.NoError(t, checkTflag())

	*targetPtr = "not-an-ip"
	require.Error(t, checkTflag())

	*tonePtr = 440
	require.NoError(t, checkToneflag())

	*tonePtr = -1
	require.Error(t, checkToneflag())
}
