package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/devices"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/interactive"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/config"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/streamserver"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/utils"
)

var (
	//go:embed version.txt
	version     string
	configArg   = flag.String("config", "", "Path to the settings file. Defaults to the user config directory.")
	listPtr     = flag.Bool("l", false, "List all Chromecast devices on the network and exit.")
	targetPtr   = flag.String("t", "", `Add devices by address, as "ip,name;ip,name". Names are optional.`)
	tonePtr     = flag.Float64("tone", 0, "Stream a test tone of this frequency (Hz) instead of the desktop audio.")
	headlessPtr = flag.Bool("headless", false, "Run without the terminal screen.")
	logArg      = flag.String("log", "", "Write logs to this file. Defaults to castaudio.log next to the settings when the screen is shown.")
	debugPtr    = flag.Bool("debug", false, "Enable debug logging.")
	versionPtr  = flag.Bool("version", false, "Print version.")
)

const networkCheckInterval = 5 * time.Second

func main() {
	flag.Parse()

	exit, err := checkflags()
	check(err)
	if exit {
		os.Exit(0)
	}

	check(run())
}

func check(err error) {
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	exitCTX, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfgManager, err := config.New(*configArg, zerolog.Nop())
	if err != nil {
		return errors.Wrap(err, "config error")
	}
	if err := cfgManager.Load(); err != nil {
		return errors.Wrap(err, "config error")
	}
	cfg := cfgManager.Current()

	headless := *headlessPtr || !cfg.ShowWindow

	logger, closeLog, err := newLogger(headless, filepath.Dir(cfgManager.Path()))
	if err != nil {
		return errors.Wrap(err, "log setup error")
	}
	defer closeLog()
	if session, err := utils.RandomString(); err == nil {
		logger = logger.With().Str("Session", session).Logger()
	}
	cfgManager.Logger = logger.With().Str("Component", "config").Logger()

	logger.Info().Str("Version", version).Str("Config", cfgManager.Path()).Msg("starting")

	settings := devices.NewSettings()
	applySettings(settings, cfg)

	var (
		screen   *interactive.Screen
		observer devices.StateObserver = stateLogger{logger: logger}
	)
	if !headless {
		screen, err = interactive.InitTcellNewScreen(cancel)
		if err != nil {
			return errors.Wrap(err, "screen error")
		}
		observer = screen
	}

	registry := devices.NewRegistry(settings, observer)
	registry.Logger = logger.With().Str("Component", "devices").Logger()
	registry.SetAutoStart(cfg.AutoStart)
	defer registry.Dispose()

	server := streamserver.NewServer(&streamHandler{registry: registry, logger: logger}, logger.With().Str("Component", "stream").Logger())
	server.SetLagThreshold(cfg.LagValue)

	listenIP := chooseListenIP(cfg.Interface, *targetPtr)
	if err := server.StartServer(listenIP); err != nil {
		return errors.Wrap(err, "stream server error")
	}
	defer server.StopServer()

	source, err := newSource(*tonePtr, logger)
	if err != nil {
		return errors.Wrap(err, "audio capture error")
	}
	recorder := capture.NewRecorder(source, registry.BroadcastAudio, logger.With().Str("Component", "capture").Logger())
	if err := recorder.Start(); err != nil {
		return errors.Wrap(err, "audio capture error")
	}
	defer func() { _ = recorder.Stop() }()
	logger.Info().Str("Format", recorder.Format().String()).Msg("capturing audio")

	devices.AddStatic(registry, cfg.StaticDevices)
	castToTargets(registry, *targetPtr, cfg.AutoStart)

	go devices.NewMDNSDiscovery(registry, logger.With().Str("Component", "mdns").Logger()).Run(exitCTX)
	go devices.NewSSDPDiscovery(registry, logger.With().Str("Component", "ssdp").Logger()).Run(exitCTX)
	go registry.Run(exitCTX, cfg.StatusInterval)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(exitCTX, cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Str("Addr", cfg.MetricsAddr).Msg("metrics server")
			}
		}()
	}

	if cfg.Interface == "" {
		go watchNetwork(exitCTX, registry, server, *targetPtr, logger)
	}

	cfgManager.WatchChanges(func(c config.Config) {
		applySettings(settings, c)
		registry.SetAutoStart(c.AutoStart)
		server.SetLagThreshold(c.LagValue)
		if screen != nil {
			applyScreen(screen, server, c)
		}
	})

	if screen == nil {
		<-exitCTX.Done()
		logger.Info().Msg("shutting down")
		registry.StopAll()
		return nil
	}

	screen.SetLister(registry)
	applyScreen(screen, server, cfg)
	if err := screen.InterInit(exitCTX); err != nil {
		return errors.Wrap(err, "screen error")
	}
	return nil
}

// castToTargets adds the -t devices and starts casting to them.
func castToTargets(registry *devices.Registry, targets string, autoStart bool) {
	devices.AddStatic(registry, targets)
	if autoStart {
		return
	}

	for _, t := range devices.ParseStaticDevices(targets) {
		if d, ok := registry.Device(t.Host); ok {
			d.Click()
		}
	}
}

func applySettings(s *devices.Settings, c config.Config) {
	s.SetAutoRestart(c.AutoRestart, c.AutoRestartDelay)
	s.SetVolumeStep(c.VolumeStep)
}

func applyScreen(screen *interactive.Screen, server *streamserver.Server, c config.Config) {
	screen.SetShowLog(c.ShowLog)
	screen.SetHotkeys(c.Hotkeys)
	screen.SetLagControl(server, c.ShowLagControl)
}

// newLogger logs to stderr when headless. With the screen up the terminal is
// taken, so logs go to a file.
func newLogger(headless bool, dir string) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if *debugPtr {
		level = zerolog.DebugLevel
	}

	var (
		out     io.Writer = os.Stderr
		closeFn           = func() {}
	)

	path := *logArg
	if path == "" && !headless {
		path = filepath.Join(dir, "castaudio.log")
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	w := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: path != ""}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), closeFn, nil
}

func newSource(tone float64, logger zerolog.Logger) (capture.Source, error) {
	if tone > 0 {
		return capture.NewToneSource(tone), nil
	}
	return capture.NewSystemSource(logger.With().Str("Component", "pulse").Logger())
}

// stateLogger reports device state changes when no screen is shown.
type stateLogger struct {
	logger zerolog.Logger
}

func (s stateLogger) DeviceStateChanged(d *devices.Device, state devices.PlaybackState) {
	st := d.Status()
	s.logger.Info().Str("Host", st.Host).Str("Name", st.FriendlyName).Str("State", state.String()).Str("Detail", st.Detail).Msg("device state")
}

func (s stateLogger) DeviceAdded(d *devices.Device) {
	s.logger.Info().Str("Host", d.Host()).Str("Name", d.FriendlyName()).Msg("device found")
}
