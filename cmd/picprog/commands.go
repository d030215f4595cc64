package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/amrbekhit/picprog"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

func buildPlan(o *cliOptions, hexFile string) (*picprog.Plan, error) {
	plan := picprog.NewPlan()

	if o.wipe {
		plan.Add(picprog.NewWipeAction())
	}
	for _, s := range o.eraseRows {
		addr, err := picprog.ParseAddress(s)
		if err != nil {
			return nil, errors.Wrap(err, "--erase-row")
		}
		plan.Add(picprog.NewEraseRowAction(addr))
	}
	if o.flash || o.verify {
		if hexFile == "" {
			return nil, errors.New("must specify hex file to flash or verify")
		}
		if o.flash {
			plan.Add(picprog.NewFlashAction(hexFile))
		}
		if o.verify {
			plan.Add(picprog.NewVerifyAction(hexFile))
		}
	}
	for _, s := range o.writes {
		addr, data, err := parseWrite(s)
		if err != nil {
			return nil, errors.Wrap(err, "--write")
		}
		plan.Add(picprog.NewWriteAction(addr, data))
	}
	for _, s := range o.reads {
		addr, length, err := parseRead(s)
		if err != nil {
			return nil, errors.Wrap(err, "--read")
		}
		plan.Add(picprog.NewReadAction(addr, length))
	}
	if o.dump != "" {
		plan.Add(picprog.NewDumpAction(o.dump))
	}

	return plan, nil
}

func splitArg(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected ADDR:VALUE, got %q", s)
	}
	return parts[0], parts[1], nil
}

// parseWrite parses ADDR:HEX.
func parseWrite(s string) (uint16, []byte, error) {
	a, d, err := splitArg(s)
	if err != nil {
		return 0, nil, err
	}
	addr, err := picprog.ParseAddress(a)
	if err != nil {
		return 0, nil, err
	}
	data, err := picprog.ParseWriteData(d)
	if err != nil {
		return 0, nil, err
	}
	return addr, data, nil
}

// parseRead parses ADDR:LEN. LEN is decimal unless prefixed with 0x.
func parseRead(s string) (uint16, uint16, error) {
	a, l, err := splitArg(s)
	if err != nil {
		return 0, 0, err
	}
	addr, err := picprog.ParseAddress(a)
	if err != nil {
		return 0, 0, err
	}
	length, err := strconv.ParseUint(l, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid length %q: %v", l, err)
	}
	return addr, uint16(length), nil
}

func printReport(report *picprog.Report) {
	if report.Handshake != nil {
		log.Errorf("connection failed: %v", report.Handshake)
		return
	}
	for _, res := range report.Results {
		if res.Err != nil {
			log.Errorf("%-24s FAIL (%s)", res.Action, res.Kind)
			continue
		}
		log.Infof("%-24s OK", res.Action)
	}
}

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				// Fall back to names only.
				log.Debugf("detailed port enumeration failed: %v", err)
				names, err := serial.GetPortsList()
				if err != nil {
					return errors.Wrap(err, "failed to list serial ports")
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			}

			if len(ports) == 0 {
				fmt.Println("No serial ports found.")
				return nil
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber)
				} else {
					fmt.Println(p.Name)
				}
			}
			return nil
		},
	}
}
