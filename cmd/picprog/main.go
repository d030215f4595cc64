package main

import (
	"bytes"
	"os"
	"os/exec"
	"time"

	"github.com/amrbekhit/picprog"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

const appVersion = "0.3.0"

type cliOptions struct {
	device     string
	mcu        string
	port       string
	baud       int
	lvp        bool
	dryRun     bool
	config     bool
	flash      bool
	verify     bool
	wipe       bool
	writes     []string
	eraseRows  []string
	reads      []string
	dump       string
	resetDelay time.Duration
	timeout    time.Duration
	verbose    bool
	before     string
	after      string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	o := new(cliOptions)

	// Format an example profile in YAML for the help text.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(map[string]map[string]string{
		"PIC16F18446": {"ROMSIZE": "0x4000", "FLASH_WRITE": "32", "CONFIG": "8007 - 800B"},
	})
	enc.Close()

	cmd := &cobra.Command{
		Use:   "picprog [hexfile]",
		Short: "Program PIC microcontrollers through an ICSP bridge",
		Long: `Program, verify, read and erase PIC flash memory through a serial ICSP bridge.

Actions always run in the order wipe, erase-row, flash, verify, write, read, dump,
whatever order they are given in.

Device profile example:

` + buf.String(),
		Example: `  picprog -d pic.yaml -p /dev/ttyUSB0 -f -v firmware.hex
  picprog -p /dev/ttyUSB0 -w 0x0010:8131FFEE -r 0x0000:128
  picprog -d pic.yaml -p /dev/ttyUSB0 --dump backup.hex`,
		Args:          cobra.MaximumNArgs(1),
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			hexFile := ""
			if len(args) == 1 {
				hexFile = args[0]
			}
			return run(o, hexFile)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.device, "device", "d", "", "Device profile YAML file (required for flash, verify and dump).")
	f.StringVar(&o.mcu, "mcu", "", "Device section of the profile to use when it defines several.")
	f.StringVarP(&o.port, "port", "p", "", "Serial port of the bridge.")
	f.IntVar(&o.baud, "baud", picprog.DefaultBaud, "Baud rate.")
	f.BoolVar(&o.lvp, "lvp", false, "Use low-voltage programming instead of high-voltage programming.")
	f.BoolVar(&o.dryRun, "dry-run", false, "Simulate without hardware.")
	f.BoolVarP(&o.config, "config", "c", false, "Also include config words (applies to flash and verify).")
	f.BoolVarP(&o.flash, "flash", "f", false, "Write hexfile to device flash memory.")
	f.BoolVarP(&o.verify, "verify", "v", false, "Verify hexfile against device memory.")
	f.BoolVar(&o.wipe, "wipe", false, "Erase the entire flash memory.")
	f.StringArrayVarP(&o.writes, "write", "w", nil, "Write words at an address, ADDR:HEX (e.g. 0x0010:8131FFEE).")
	f.StringArrayVarP(&o.eraseRows, "erase-row", "e", nil, "Erase the row of flash memory containing ADDR.")
	f.StringArrayVarP(&o.reads, "read", "r", nil, "Read and display words, ADDR:LEN (e.g. 0x0000:128).")
	f.StringVar(&o.dump, "dump", "", "Dump the entire flash and config memory to a HEX file.")
	f.DurationVar(&o.resetDelay, "reset-delay", 2*time.Second, "Time to wait after opening the port for the bridge to reset.")
	f.DurationVar(&o.timeout, "timeout", picprog.DefaultTimeout, "Reply timeout.")
	f.BoolVar(&o.verbose, "verbose", false, "Enable verbose logging.")
	f.StringVar(&o.before, "before", "", "Command to run before programming.")
	f.StringVar(&o.after, "after", "", "Command to run after all actions completed successfully.")

	cmd.AddCommand(newPortsCommand())
	return cmd
}

func run(o *cliOptions, hexFile string) error {
	if o.verbose {
		log.SetLevel(log.DebugLevel)
	}
	picprog.SetLogger(log.StandardLogger())

	plan, err := buildPlan(o, hexFile)
	if err != nil {
		return err
	}
	if plan.Len() == 0 {
		return errors.New("nothing to do, specify at least one action")
	}

	profile := picprog.DefaultProfile()
	if o.device != "" {
		profile, err = picprog.LoadProfileFile(o.device, o.mcu)
		if err != nil {
			return errors.Wrap(err, "failed to load device profile")
		}
		log.Infof("device: %s", profile)
	} else if plan.Has(picprog.ActionFlash) || plan.Has(picprog.ActionVerify) || plan.Has(picprog.ActionDump) {
		return errors.New("--device is required for flash, verify and dump")
	}

	var transport picprog.Transport
	if o.dryRun {
		log.Infof("dry run: no hardware will be used")
		transport = picprog.NewDryRunTransport(o.port)
	} else {
		if o.port == "" {
			return errors.New("must specify port")
		}
		transport = picprog.NewSerialTransport(o.port, o.baud, picprog.SerialOptions{
			Timeout:    o.timeout,
			ResetDelay: o.resetDelay,
		})
	}

	// Run the before command
	if o.before != "" {
		log.Infof("running before command...")
		if err := exec.Command(o.before).Run(); err != nil {
			return errors.Wrap(err, "failed to run before command")
		}
	}

	prog := picprog.NewProgrammer(picprog.NewClient(transport), profile, picprog.Options{
		Config: o.config,
		LVP:    o.lvp,
		DryRun: o.dryRun,
	})
	report := prog.Run(plan)
	printReport(report)
	if err := report.Err(); err != nil {
		return err
	}

	// Run the after command
	if o.after != "" {
		log.Infof("running after command...")
		if err := exec.Command(o.after).Run(); err != nil {
			return errors.Wrap(err, "failed to run after command")
		}
	}
	return nil
}
