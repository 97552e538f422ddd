package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/k0kubun/go-ansi"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"elm327-scanner/bluetooth"
	"elm327-scanner/bus"
	"elm327-scanner/common"
	"elm327-scanner/mqtt"
	"elm327-scanner/scanner"
)

const reconnectInterval = 30 * time.Second

// connect открывает сессию с адаптером, делая до retries дополнительных попыток.
// Если платформа не поддерживается, повтора нет
func connect(ctx context.Context, s *scanner.Scanner, retries uint) error {
	return retry.Do(func() error {
		return s.Connect(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(retries+1),
		retry.Delay(time.Second),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, common.ErrNotSupported)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Printf("Connect retry #%d: %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
}

func newScanner(c Config, simulate bool) (*scanner.Scanner, error) {
	if simulate {
		return scanner.New(nil, c.Scanner), nil
	}
	t, err := buildTransport(c.Transport)
	if err != nil {
		return nil, err
	}
	return scanner.New(t, c.Scanner), nil
}

func newScanCmd() *cobra.Command {
	var (
		scanType  string
		live      bool
		simulate  bool
		asJSON    bool
		checkinID string
		budgetID  string
		plate     string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one diagnostic scan and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			req := common.ScanRequest{
				ScanType:  common.ScanType(scanType),
				CheckinID: checkinID,
				BudgetID:  budgetID,
			}
			if !req.ScanType.Valid() {
				return fmt.Errorf("unknown scan type %q", scanType)
			}
			if cmd.Flags().Changed("live") {
				req.IncludeLiveData = &live
			}
			if plate != "" {
				req.VehicleInfo = &common.VehicleInfo{Plate: plate}
			}

			s, err := newScanner(config, simulate)
			if err != nil {
				return err
			}
			if !simulate {
				if err := connect(ctx, s, config.ConnectRetries); err != nil {
					return fmt.Errorf("adapter unavailable (use --simulate for a simulated scan): %w", err)
				}
				defer s.Disconnect()
			}

			if !asJSON {
				bar := newProgressBar(ansi.NewAnsiStdout())
				unsubscribe := s.Subscribe(progressListener(bar))
				defer unsubscribe()
			}

			result, err := s.Scan(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, result)
			}
			fmt.Fprintln(out)
			printReport(out, result)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&scanType, "type", string(common.ScanQuick), "scan type: quick, full, live_only, clear")
	f.BoolVar(&live, "live", false, "force live data on or off regardless of scan type")
	f.BoolVar(&simulate, "simulate", false, "skip the adapter and run a simulated scan")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	f.StringVar(&checkinID, "checkin", "", "check-in id attached to the result")
	f.StringVar(&budgetID, "budget", "", "budget id attached to the result")
	f.StringVar(&plate, "plate", "", "licence plate attached to the result")
	return cmd
}

type deviceLister interface {
	ListDevices(ctx context.Context) ([]bluetooth.Device, error)
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List serial ports and adapters reachable over the configured transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			ports, err := serial.GetPortsList()
			if err != nil {
				logger.Printf("Listing serial ports failed: %v", err)
			}
			fmt.Fprintln(out, bold("Serial ports"))
			if len(ports) == 0 {
				fmt.Fprintln(out, "  none")
			}
			for _, p := range ports {
				fmt.Fprintf(out, "  %s\n", p)
			}

			t, err := buildTransport(config.Transport)
			if err != nil {
				return err
			}
			var devices []bluetooth.Device
			if lister, ok := t.(deviceLister); ok {
				devices, err = lister.ListDevices(cmd.Context())
			} else {
				var dev bluetooth.Device
				dev, err = t.Discover(cmd.Context())
				if err == nil {
					devices = []bluetooth.Device{dev}
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, bold("Adapters (%s)", t.Name()))
			if len(devices) == 0 {
				fmt.Fprintln(out, "  none")
			}
			for _, d := range devices {
				if d.RSSI != 0 {
					fmt.Fprintf(out, "  %-20s %s %s\n", d.ID, d.Name, green("%d dBm", d.RSSI))
				} else {
					fmt.Fprintf(out, "  %-20s %s\n", d.ID, d.Name)
				}
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer scan requests over MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newScanner(config, simulate)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config, s, simulate)
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "never open the adapter; every scan is simulated")
	return cmd
}

func serve(ctx context.Context, c Config, s *scanner.Scanner, simulate bool) error {
	messageBus := bus.New(128, c.Logging.Level == "debug")
	defer messageBus.Close()

	unsubscribe := s.Subscribe(func(st common.ConnectionState) {
		messageBus.Publish(bus.TopicState, st)
	})
	defer unsubscribe()

	client := mqtt.NewClient(c.MQTT, s, messageBus)
	if err := client.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if !simulate {
		g.Go(func() error {
			defer s.Disconnect()
			return keepConnected(gctx, s, c.ConnectRetries)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return client.Stop()
	})

	logger.Println("Serving scan requests, press Ctrl+C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Println("Shutdown complete")
	return nil
}

// keepConnected заново открывает сессию с адаптером при каждом обрыве.
// Сканирования во время обрыва выполняются в режиме симуляции
func keepConnected(ctx context.Context, s *scanner.Scanner, retries uint) error {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		if !s.Connected() {
			if err := connect(ctx, s, retries); err != nil {
				if errors.Is(err, common.ErrNotSupported) {
					logger.Printf("Adapter transport unsupported, serving simulated scans only: %v", err)
					<-ctx.Done()
					return ctx.Err()
				}
				if !errors.Is(err, common.ErrScanInProgress) {
					logger.Printf("Adapter unavailable, next attempt in %v: %v", reconnectInterval, err)
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
