// Command dmcryptctl is the control-plane CLI for the dm-crypt-style
// mapper: create a target, inspect its status, rotate or wipe its key, and
// drive suspend/resume, mirroring the external control-plane surface of
// spec.md §6.
//
// Grounded on the teacher's top-level main.go (command dispatch by
// os.Args[1] before flag parsing, internal/exitcodes used for the process
// exit status) rather than on cli_args.go's flaggy-based declarative flag
// set: dmcryptctl's five subcommands are plain positional arguments, not
// the dozens of mount options gocryptfs itself has to parse, so a small
// flag.FlagSet per subcommand is the idiomatic fit (see DESIGN.md).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dm-crypt-go/dmcrypt/internal/blockdev"
	"github.com/dm-crypt-go/dmcrypt/internal/ctlsock"
	"github.com/dm-crypt-go/dmcrypt/internal/dmerr"
	"github.com/dm-crypt-go/dmcrypt/internal/target"
	"github.com/dm-crypt-go/dmcrypt/internal/tlog"
)

func usage() {
	fmt.Fprintf(os.Stderr, `dmcryptctl: transparent block-level encryption mapper control plane

Usage:
  dmcryptctl create  [-ctlsock <path>] <name> <cipher-spec> <key-hex> <iv-offset> <backing-device> <start-sector>
  dmcryptctl status  <name> <cipher-spec> <key-hex> <iv-offset> <backing-device> <start-sector>
  dmcryptctl message <name> <cipher-spec> <key-hex> <iv-offset> <backing-device> <start-sector> key <set <keyhex>|wipe>
  dmcryptctl suspend <name> <cipher-spec> <key-hex> <iv-offset> <backing-device> <start-sector>
  dmcryptctl resume  <name> <cipher-spec> <key-hex> <iv-offset> <backing-device> <start-sector>

Since there is no persistent device-mapper table in this reimplementation
(spec.md §1, "no on-disk metadata"), every subcommand re-specifies the full
target configuration; a long-running caller is expected to keep a Target
and Mapper alive in-process via the internal/target and internal/mapper
packages rather than shell out to this binary per operation.

"create -ctlsock <path>" keeps the target alive and serves status, message,
suspend and resume as newline-delimited JSON requests on a Unix socket
(internal/ctlsock), for callers that want the long-running alternative
without linking against this module directly.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(int(-dmerr.Negative(dmerr.ErrUnknownCipher)))
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(args)
	case "status":
		err = runStatus(args)
	case "message":
		err = runMessage(args)
	case "suspend":
		err = runSuspend(args)
	case "resume":
		err = runResume(args)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		tlog.Warn.Printf("dmcryptctl %s: %v", cmd, err)
		os.Exit(int(-dmerr.Negative(err)))
	}
}

// targetArgs holds the six positional arguments every subcommand except
// "message"'s trailing tokens shares (spec.md §6 target construction).
type targetArgs struct {
	name, cipherSpec, keyHex, backingDevice string
	ivOffset, startSector                   uint64
}

func parseTargetArgs(fs *flag.FlagSet, args []string) (*targetArgs, []string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	rest := fs.Args()
	if len(rest) < 6 {
		return nil, nil, dmerr.Wrap("expected name cipher-spec key-hex iv-offset backing-device start-sector", 0, nil)
	}
	ivOffset, err := target.ParseUint64(rest[3])
	if err != nil {
		return nil, nil, err
	}
	startSector, err := target.ParseUint64(rest[5])
	if err != nil {
		return nil, nil, err
	}
	return &targetArgs{
		name:          rest[0],
		cipherSpec:    rest[1],
		keyHex:        rest[2],
		ivOffset:      ivOffset,
		backingDevice: rest[4],
		startSector:   startSector,
	}, rest[6:], nil
}

func openTarget(ta *targetArgs) (*target.Target, error) {
	dev, err := blockdev.OpenFileDevice(ta.backingDevice)
	if err != nil {
		return nil, dmerr.Wrap("opening backing device", 0, err)
	}
	return target.New(ta.name, ta.cipherSpec, ta.keyHex, ta.ivOffset, dev, ta.backingDevice, ta.startSector)
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	ctlsockPath := fs.String("ctlsock", "", "serve status/message/suspend/resume on this Unix socket instead of exiting")
	ta, _, err := parseTargetArgs(fs, args)
	if err != nil {
		return err
	}
	t, err := openTarget(ta)
	if err != nil {
		return err
	}
	defer t.Close()
	fmt.Println(t.Status())
	if *ctlsockPath == "" {
		return nil
	}
	closer, err := ctlsock.CreateAndServe(*ctlsockPath, t)
	if err != nil {
		return dmerr.Wrap("serving control socket", 0, err)
	}
	defer closer.Close()
	tlog.Info.Printf("dmcryptctl: serving control socket at %s", *ctlsockPath)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	ta, _, err := parseTargetArgs(fs, args)
	if err != nil {
		return err
	}
	t, err := openTarget(ta)
	if err != nil {
		return err
	}
	defer t.Close()
	fmt.Println(t.Status())
	return nil
}

func runMessage(args []string) error {
	fs := flag.NewFlagSet("message", flag.ContinueOnError)
	ta, rest, err := parseTargetArgs(fs, args)
	if err != nil {
		return err
	}
	t, err := openTarget(ta)
	if err != nil {
		return err
	}
	defer t.Close()
	t.Postsuspend()
	if err := t.Message(rest...); err != nil {
		return err
	}
	fmt.Println(t.Status())
	return nil
}

func runSuspend(args []string) error {
	fs := flag.NewFlagSet("suspend", flag.ContinueOnError)
	ta, _, err := parseTargetArgs(fs, args)
	if err != nil {
		return err
	}
	t, err := openTarget(ta)
	if err != nil {
		return err
	}
	defer t.Close()
	t.Postsuspend()
	fmt.Println(t.Status())
	return nil
}

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	ta, _, err := parseTargetArgs(fs, args)
	if err != nil {
		return err
	}
	t, err := openTarget(ta)
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.Preresume(); err != nil {
		return err
	}
	t.Resume()
	fmt.Println(t.Status())
	return nil
}
