package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amrbekhit/picprog"
	"github.com/amrbekhit/picprog/bridge"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const appVersion = "0.3.0"

type cliOptions struct {
	port       string
	baud       int
	data       string
	clock      string
	hvEnable   string
	supply     string
	argTimeout time.Duration
	verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	o := new(cliOptions)

	cmd := &cobra.Command{
		Use:   "picbridge",
		Short: "Serve the picprog bridge protocol on GPIO pins",
		Long: `Run the programming bridge on a single-board computer. Commands received on the
serial port are executed on the ICSP pins of the attached PIC.`,
		Example:       `  picbridge -p /dev/ttyS0 --data GPIO17 --clock GPIO27 --hv-enable GPIO22 --supply GPIO23`,
		Args:          cobra.NoArgs,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.port, "port", "p", "", "Serial port connected to the host.")
	f.IntVar(&o.baud, "baud", picprog.DefaultBaud, "Baud rate.")
	f.StringVar(&o.data, "data", "", "GPIO name of the ICSP data line (PGD).")
	f.StringVar(&o.clock, "clock", "", "GPIO name of the ICSP clock line (PGC).")
	f.StringVar(&o.hvEnable, "hv-enable", "", "GPIO name of the active-low MCLR high-voltage enable.")
	f.StringVar(&o.supply, "supply", "", "GPIO name of the target supply switch.")
	f.DurationVar(&o.argTimeout, "arg-timeout", bridge.DefaultArgTimeout, "Timeout for command arguments and write data.")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose logging.")
	return cmd
}

func lookupPin(flag, name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, errors.Errorf("--%s is required", flag)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("--%s: unknown pin %q", flag, name)
	}
	return p, nil
}

func run(o *cliOptions) error {
	if o.verbose {
		log.SetLevel(log.DebugLevel)
	}
	bridge.SetLogger(log.WithField("port", o.port))

	if o.port == "" {
		return errors.New("must specify port")
	}
	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "failed to initialise host drivers")
	}

	var pins bridge.Pins
	var err error
	if pins.Data, err = lookupPin("data", o.data); err != nil {
		return err
	}
	if pins.Clock, err = lookupPin("clock", o.clock); err != nil {
		return err
	}
	if pins.HVEnable, err = lookupPin("hv-enable", o.hvEnable); err != nil {
		return err
	}
	if pins.Supply, err = lookupPin("supply", o.supply); err != nil {
		return err
	}

	// Start with the target unpowered and MCLR at its normal level.
	if err := pins.HVEnable.Out(gpio.High); err != nil {
		return errors.Wrapf(err, "failed to drive %s", pins.HVEnable)
	}
	if err := pins.Supply.Out(gpio.Low); err != nil {
		return errors.Wrapf(err, "failed to drive %s", pins.Supply)
	}

	port, err := serial.Open(o.port, &serial.Mode{BaudRate: o.baud})
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", o.port)
	}
	defer port.Close()
	if err := port.SetReadTimeout(bridge.DefaultPollInterval); err != nil {
		return errors.Wrap(err, "failed to set read timeout")
	}

	b := bridge.New(port, pins, bridge.Options{ArgTimeout: o.argTimeout})
	defer func() {
		if err := b.Close(); err != nil {
			log.Warnf("failed to release target: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("serving on %s at %d baud", o.port, o.baud)
	if err := b.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("stopped")
	return nil
}
