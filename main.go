package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"batmon/cmd"
	"batmon/internal/config"
	"batmon/internal/engine"
	"batmon/internal/heterodyne"
	applog "batmon/internal/log"
	"batmon/internal/recorder"
	"batmon/internal/usb"
)

// main runs in three phases:
//
// 1. Startup (cold path): parse arguments, load configuration, open the
//    USB device and build the engine.
// 2. Capture (hot path): the USB reap loop, ingest copy task, analysis
//    pipeline, recorder and transports run concurrently until the device
//    disappears or a termination signal arrives.
// 3. Shutdown (cold path): cancel the session, wait for in-flight work to
//    drain, release the device.
func main() {
	cfg, command, err := cmd.ParseArgs()
	if err != nil {
		applog.Fatalf("%v", err)
	}
	if command == "" {
		return // help or version already printed
	}

	if level, ok := applog.ParseLevel(cfg.LogLevel); ok {
		applog.SetLevel(level)
	}
	if cfg.Debug {
		applog.SetLevel(applog.LevelDebug)
	}

	switch command {
	case cmd.CommandList:
		if err := heterodyne.Initialize(); err != nil {
			applog.Fatalf("%v", err)
		}
		defer heterodyne.Terminate()
		if err := heterodyne.ListOutputDevices(); err != nil {
			applog.Fatalf("%v", err)
		}
	case cmd.CommandRun:
		if err := run(cfg); err != nil {
			applog.Fatalf("%v", err)
		}
	}
}

func run(cfg *config.Config) error {
	if cfg.Device.Path == "" {
		applog.Fatalf("no device path configured; pass --device or set device.path")
	}

	// ==================== STARTUP ====================

	fd, err := usb.Open(cfg.Device.Path, cfg.Device.Interface, cfg.Device.AltSetting)
	if err != nil {
		return err
	}
	defer usb.Close(fd, cfg.Device.Interface)

	driver, err := usb.NewDriver(usb.DeviceParams{
		FD:              fd,
		EndpointAddress: cfg.Device.EndpointAddress,
		MaxPacketSize:   cfg.Device.MaxPacketSize,
		Channels:        cfg.Device.Channels,
		SampleRate:      cfg.Device.SampleRate,
	})
	if err != nil {
		return err
	}

	var speaker *heterodyne.Speaker
	if cfg.Heterodyne.Enabled {
		if err := heterodyne.Initialize(); err != nil {
			return err
		}
		defer heterodyne.Terminate()
		dev, err := heterodyne.OutputDevice(cfg.Heterodyne.OutputDevice)
		if err != nil {
			return err
		}
		decim := (cfg.Device.SampleRate + config.TargetAudioOutRate/2) / config.TargetAudioOutRate
		if decim < 1 {
			decim = 1
		}
		speaker = heterodyne.NewSpeaker(dev, cfg.Device.SampleRate/decim)
	}

	var hetOut heterodyne.Output
	if speaker != nil {
		hetOut = speaker
	}
	eng, err := engine.New(cfg, driver, hetOut)
	if err != nil {
		return err
	}

	// ==================== CAPTURE ====================

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	if speaker != nil {
		g.Go(func() error {
			err := speaker.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		logEvents(ctx, eng)
		return nil
	})

	if cfg.ArmOnStart {
		if err := eng.SetTrigger(engine.TriggerSettings{
			Mode:        recorder.ModeAuto,
			ThresholdDB: cfg.Trigger.ThresholdDB,
			FreqLowHz:   cfg.Trigger.FreqLowHz,
			FreqHighHz:  cfg.Trigger.FreqHighHz,
		}); err != nil {
			applog.Warnf("arming auto trigger: %v", err)
		}
	}

	// ==================== SHUTDOWN ====================

	return g.Wait()
}

// logEvents mirrors engine state changes into the log until the session
// ends.
func logEvents(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-eng.Events():
			switch ev.Kind {
			case engine.EventRecordingFinished:
				applog.Infof("recording saved: %s", ev.Detail)
			case engine.EventRecordingError, engine.EventStreamError:
				applog.Errorf("%s: %s", ev.Kind, ev.Detail)
			default:
				if ev.Detail != "" {
					applog.Infof("%s: %s", ev.Kind, ev.Detail)
				} else {
					applog.Infof("%s", ev.Kind)
				}
			}
		}
	}
}
