package main

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/devices"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/streamserver"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/utils"
)

// streamHandler routes stream connections to the device that opened them.
type streamHandler struct {
	registry *devices.Registry
	logger   zerolog.Logger
}

func (h *streamHandler) Listening(addr string, port int) {
	u := streamserver.StreamURL(addr, port)
	h.registry.SetStreamURL(u)
	h.logger.Info().Str("URL", u).Msg("stream available")
}

// Connected attaches c to the device at the remote address. A connection
// from an unknown address is closed.
func (h *streamHandler) Connected(c *streamserver.Conn, _ string) {
	if h.registry.AttachStream(c.RemoteIP(), c) {
		return
	}

	h.logger.Warn().Str("Remote", c.RemoteIP()).Msg("stream request from unknown device")
	c.Close()
}

// chooseListenIP picks the address devices can reach the stream on: the
// configured interface, else the route to the first pinned device, else the
// default outbound route.
func chooseListenIP(iface, static string) string {
	if iface != "" {
		if ip, err := utils.InterfaceIPv4(iface); err == nil {
			return ip
		}
	}

	if pinned := devices.ParseStaticDevices(static); len(pinned) > 0 {
		if ip, err := utils.ListenIPForHost(pinned[0].Host); err == nil {
			return ip
		}
	}

	if ip := utils.GetOutboundIP(); ip != "" {
		return ip
	}

	if ips := utils.LocalIPv4s(); len(ips) > 0 {
		return ips[0]
	}

	return "127.0.0.1"
}

// watchNetwork restarts the stream server on the new address when the local
// addresses change, and resumes the devices that were playing.
func watchNetwork(ctx context.Context, registry *devices.Registry, server *streamserver.Server, static string, logger zerolog.Logger) {
	ticker := time.NewTicker(networkCheckInterval)
	defer ticker.Stop()

	last := utils.LocalIPv4s()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := utils.LocalIPv4s()
		if slices.Equal(current, last) {
			continue
		}
		last = current

		logger.Info().Strs("Addresses", current).Msg("network changed")
		rebind(registry, server, chooseListenIP("", static), logger)
	}
}

func rebind(registry *devices.Registry, server *streamserver.Server, ip string, logger zerolog.Logger) {
	playing := registry.StopPlaying()

	server.StopServer()
	if err := server.StartServer(ip); err != nil {
		logger.Error().Err(err).Str("IP", ip).Msg("failed to restart stream server")
		return
	}

	registry.Resume(playing)
}
