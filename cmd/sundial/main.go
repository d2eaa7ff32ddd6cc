package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/disintegration/imaging"
	"periph.io/x/conn/v3/physic"

	"sundial/internal/clock"
	"sundial/internal/config"
	"sundial/internal/convert"
	"sundial/internal/epd"
	appLog "sundial/internal/log"
	"sundial/internal/refresh"
	"sundial/internal/render"
	"sundial/internal/theme"
	"sundial/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       string
}

func main() {
	appLog.Info("sundial starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	level, err := appLog.ParseLevel(conf.LogLevel)
	if err != nil {
		appLog.Error("invalid log level; using info", err)
	}
	appLog.SetLevel(level)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"refresh", conf.RefreshCron,
		"update_mode", conf.UpdateMode,
		"theme_background", conf.Theme.Background,
		"theme_text", conf.Theme.Text,
		"fixed_time", conf.FixedTime != nil,
		"once", flags.once,
		"render_only", flags.renderOnly,
		"dump", flags.dump,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("sundial failed", err)
		os.Exit(1)
	}
	appLog.Info("sundial exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	th, err := theme.FromNames(conf.Theme.Background, conf.Theme.Text)
	if err != nil {
		return err
	}
	var clk clock.Clock = clock.System{}
	if conf.FixedTime != nil {
		clk = clock.Fixed(*conf.FixedTime)
	}
	renderer := render.New()

	var panel refresh.Panel
	if !flags.renderOnly {
		dev, err := openPanel(conf.Panel)
		if err != nil {
			return err
		}
		defer func() {
			if err := dev.Close(); err != nil {
				appLog.Error("failed to close panel", err)
			}
		}()
		panel = dev
	}

	runner := refresh.NewRunner(panel, renderer, th, clk, conf.UpdateMode)

	if flags.once {
		if err := runner.Cycle(); err != nil {
			return err
		}
		return dump(runner, flags.dump)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	// Show something right away instead of waiting for the first tick.
	if err := runner.Cycle(); err != nil {
		appLog.Error("initial refresh failed", err)
	} else if err := dump(runner, flags.dump); err != nil {
		appLog.Error("dump failed", err, "dir", flags.dump)
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		runErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if runErr == nil {
			runErr = err
		}
		errMu.Unlock()
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx, conf.RefreshCron); err != nil {
			fail(err)
		}
	}()

	if conf.Listen != "" {
		srv := web.NewServer(conf, renderer, th, clk)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, conf.Listen); err != nil {
				fail(fmt.Errorf("http server: %w", err))
			}
		}()
	}

	wg.Wait()
	return runErr
}

func openPanel(pc config.PanelConfig) (*epd.Dev, error) {
	pins := epd.Pins{DC: pc.DCPin, RST: pc.RSTPin, CS: pc.CSPin, Busy: pc.BusyPin}
	speed := physic.Frequency(pc.SpeedHz) * physic.Hertz
	dev, err := epd.Open(pc.SPIPort, speed, pins, &epd.Opts{BusyTimeout: pc.BusyTimeout})
	if err != nil {
		return nil, err
	}
	appLog.Info("panel opened", "dev", dev.String(), "spi_port", pc.SPIPort, "speed", speed.String())
	return dev, nil
}

// dump writes the last rendered frame to dir as framebuffer.bin and
// preview.png. An empty dir is a no-op.
func dump(r *refresh.Runner, dir string) error {
	if dir == "" {
		return nil
	}
	fb, _ := r.Last()
	if fb == nil {
		return errors.New("dump: nothing rendered yet")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "framebuffer.bin"), fb[:], 0o644); err != nil {
		return err
	}
	if err := imaging.Save(web.Preview(fb, 1), filepath.Join(dir, "preview.png")); err != nil {
		return err
	}
	appLog.Info("dumped frame", "dir", dir, "bytes", convert.Size)
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/sundial/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.StringVar(&cfg.dump, "dump", "", "Directory to dump debug artifacts (framebuffer.bin, preview.png)")

	flag.Parse()

	return cfg
}
