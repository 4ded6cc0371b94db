// Command icebridge is the CLI front end for the ICE bridge library: board
// reset, power control, MBus programming and GDB serving, GOC/EIN
// injection, and snoop capture. Subcommand dispatch and flag parsing live
// here rather than in any library package, matching spec §1's explicit
// carve-out of the CLI surface.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m3ice/icebridge/defrag"
	"github.com/m3ice/icebridge/gdb"
	"github.com/m3ice/icebridge/link"
	"github.com/m3ice/icebridge/mbus"
	"github.com/m3ice/icebridge/mlog"
	"github.com/m3ice/icebridge/serial"
	"github.com/m3ice/icebridge/session"
	"github.com/m3ice/icebridge/target"
)

// Exit codes, matching spec §6's CLI surface.
const (
	exitOK            = 0
	exitUserError     = 1
	exitParseError    = 2
	exitInvalidBinary = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("icebridge", flag.ContinueOnError)
	serialPath := fs.String("serial", "", "serial device path (mutually exclusive with --ftdi)")
	ftdiIndex := fs.Int("ftdi", -1, "open the nth enumerated FTDI D2XX device instead of --serial (-1 disables)")
	baudrate := fs.Int("baudrate", 115200, "serial baud rate")
	debug := fs.Bool("debug", false, "enable trace-level logging")
	yes := fs.Bool("yes", false, "skip confirmation prompts")
	waitForMessages := fs.Duration("wait-for-messages", 0, "how long to wait for async board messages before exiting")
	if err := fs.Parse(args); err != nil {
		return exitParseError
	}

	if *debug {
		mlog.SetLevel(mlog.LevelTrace)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: icebridge [flags] <reset|hardreset|power|snoop|ein|goc|mbus> ...")
		return exitParseError
	}

	if *serialPath == "" && *ftdiIndex < 0 {
		fmt.Fprintln(os.Stderr, "icebridge: one of --serial or --ftdi is required")
		return exitUserError
	}
	if *serialPath != "" && *ftdiIndex >= 0 {
		fmt.Fprintln(os.Stderr, "icebridge: --serial and --ftdi are mutually exclusive")
		return exitUserError
	}

	cmd, cmdArgs := rest[0], rest[1:]
	if (cmd == "hardreset" || (cmd == "mbus" && len(cmdArgs) > 0 && cmdArgs[0] == "program")) && !*yes {
		if !confirm(fmt.Sprintf("%s will overwrite target state, continue?", cmd)) {
			fmt.Fprintln(os.Stderr, "icebridge: aborted")
			return exitUserError
		}
	}

	dev, err := openDevice(*serialPath, *ftdiIndex, *baudrate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: %v\n", err)
		return exitUserError
	}
	defer dev.Close()

	sess := session.New()
	if err := sess.Connect(dev); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: connect: %v\n", err)
		return exitUserError
	}
	defer sess.Destroy()

	switch cmd {
	case "reset":
		return cmdReset(sess)
	case "hardreset":
		return cmdHardReset(sess)
	case "power":
		return cmdPower(sess, cmdArgs)
	case "snoop":
		return cmdSnoop(sess, cmdArgs, *waitForMessages)
	case "ein":
		return cmdInject(sess, cmdArgs)
	case "goc":
		return cmdGOC(sess, cmdArgs)
	case "mbus":
		return cmdMBus(sess, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "icebridge: unknown subcommand %q\n", cmd)
		return exitParseError
	}
}

// openDevice opens the host-side transport: a termios-backed serial.Port at
// serialPath, or the ftdiIndex'th enumerated D2XX device when ftdiIndex >=
// 0. Either way the result satisfies link.Device, so everything above this
// point in run stays transport-agnostic.
func openDevice(serialPath string, ftdiIndex int, baud int) (link.Device, error) {
	if ftdiIndex >= 0 {
		port, err := serial.OpenFTDI(ftdiIndex, uint32(baud))
		if err != nil {
			return nil, fmt.Errorf("open ftdi device %d: %w", ftdiIndex, err)
		}
		return port, nil
	}

	port, err := serial.Open(serialPath, serial.NewOptions().SetReadTimeout(link.DefaultReadTimeout))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", serialPath, err)
	}
	if err := configureBaud(port, baud); err != nil {
		port.Close()
		return nil, fmt.Errorf("set baud rate: %w", err)
	}
	return port, nil
}

// configureBaud puts dev into raw mode at baud, using the custom-speed
// termios2 path so arbitrary rates (not just the kernel's fixed Bxxx
// constants) are accepted.
func configureBaud(dev *serial.Port, baud int) error {
	attrs, err := dev.GetAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(uint32(baud))
	return dev.SetAttr2(serial.TCSANOW, attrs)
}

// confirm prompts on stderr and reads a y/n answer from stdin, backing the
// --yes flag's override of destructive subcommands.
func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

func cmdReset(sess *session.Session) int {
	transport := mbus.New(sess, mbus.DefaultPrefix)
	if err := transport.ResetInternal(); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: reset: %v\n", err)
		return exitUserError
	}
	return exitOK
}

// cmdHardReset power-cycles the VBATT rail, the board-level equivalent of
// pulling power rather than pulsing the MBus internal-reset register.
func cmdHardReset(sess *session.Session) int {
	rail := target.NewPowerRail(sess)
	if err := rail.SetOn(target.PowerRailVBat, false); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: hardreset: power off: %v\n", err)
		return exitUserError
	}
	time.Sleep(250 * time.Millisecond)
	if err := rail.SetOn(target.PowerRailVBat, true); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: hardreset: power on: %v\n", err)
		return exitUserError
	}
	return exitOK
}

func cmdPower(sess *session.Session, args []string) int {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(os.Stderr, "usage: icebridge power {on|off}")
		return exitParseError
	}
	rail := target.NewPowerRail(sess)
	if err := rail.SetOn(target.PowerRailVBat, args[0] == "on"); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: power: %v\n", err)
		return exitUserError
	}
	return exitOK
}

// cmdSnoop persists every observed B-stream message to a CSV file with rows
// (unix_time, addr_hex, data_hex, cb0, cb1), the shape spec §6's persisted
// state names, until waitForMessages elapses (0 means run until killed).
func cmdSnoop(sess *session.Session, args []string, waitForMessages time.Duration) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: icebridge snoop <output.csv>")
		return exitParseError
	}
	f, err := os.Create(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: snoop: %v\n", err)
		return exitUserError
	}
	defer f.Close()

	writer := mbus.NewSnoopWriter(f, func() float64 { return float64(time.Now().UnixNano()) / 1e9 })
	reasm := defrag.New()
	sess.OnEvent('B', func(_ byte, payload []byte) {
		msg, closed := reasm.Feed(defrag.StreamSnoop, payload)
		if !closed {
			return
		}
		common, err := defrag.FormatCommon(msg)
		if err != nil {
			mlog.Get("icebridge").Warn("malformed snoop message dropped", "error", err)
			return
		}
		if err := writer.Write(common); err != nil {
			mlog.Get("icebridge").Error("snoop write failed", "error", err)
		}
	})

	if waitForMessages <= 0 {
		select {}
	}
	time.Sleep(waitForMessages)
	return exitOK
}

// cmdInject handles the `ein <binfile>` subcommand: a straight binary
// injection over the electrical debug-in channel with run-after-load set.
func cmdInject(sess *session.Session, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: icebridge ein <binfile>")
		return exitParseError
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: ein: %v\n", err)
		return exitUserError
	}
	if len(data) == 0 {
		fmt.Fprintln(os.Stderr, "icebridge: ein: empty binary image")
		return exitInvalidBinary
	}
	return sendInjection(sess, data, true)
}

func cmdGOC(sess *session.Session, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: icebridge goc {on|off|message <addr> <datahex>|flash <binfile>}")
		return exitParseError
	}
	switch args[0] {
	case "on", "off":
		rail := target.NewPowerRail(sess)
		if err := rail.SetOn(target.PowerRailGOC, args[0] == "on"); err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: goc: %v\n", err)
			return exitUserError
		}
		return exitOK
	case "message":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: icebridge goc message <addr> <datahex>")
			return exitParseError
		}
		addr, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: goc: bad address %q\n", args[1])
			return exitParseError
		}
		data, err := parseHexBytes(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: goc: bad data %q\n", args[2])
			return exitInvalidBinary
		}
		return sendOneInjection(sess, uint32(addr), data, false, true)
	case "flash":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: icebridge goc flash <binfile>")
			return exitParseError
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: goc: %v\n", err)
			return exitUserError
		}
		if len(data) == 0 {
			fmt.Fprintln(os.Stderr, "icebridge: goc: empty binary image")
			return exitInvalidBinary
		}
		return sendInjection(sess, data, true)
	default:
		fmt.Fprintf(os.Stderr, "icebridge: goc: unknown subcommand %q\n", args[0])
		return exitParseError
	}
}

// gocVersionFor picks the injection-framing strategy by firmware minor
// version, matching the original driver's per-connection GOC version
// selection at configuration time.
func gocVersionFor(sess *session.Session) mbus.GOCVersion {
	switch sess.Minor() {
	case 1:
		return mbus.GOCv1
	case 2:
		return mbus.GOCv2
	case 3:
		return mbus.GOCv3
	default:
		return mbus.GOCv4
	}
}

func sendInjection(sess *session.Session, data []byte, runAfter bool) int {
	return sendOneInjection(sess, 0, data, runAfter, true)
}

func sendOneInjection(sess *session.Session, memAddr uint32, data []byte, runAfter, isMBus bool) int {
	msg, err := mbus.BuildInjectionMessage(gocVersionFor(sess), mbus.InjectionParams{
		IsMBus:   isMBus,
		RunAfter: runAfter,
		MemAddr:  memAddr,
		Data:     data,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: build injection message: %v\n", err)
		return exitInvalidBinary
	}
	if _, err := sess.SendUntilAcked('f', msg, 3); err != nil {
		fmt.Fprintf(os.Stderr, "icebridge: send injection: %v\n", err)
		return exitUserError
	}
	return exitOK
}

func parseHexBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

func cmdMBus(sess *session.Session, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: icebridge mbus {program <binfile>|gdb}")
		return exitParseError
	}
	transport := mbus.New(sess, mbus.DefaultPrefix)
	switch args[0] {
	case "program":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: icebridge mbus program <binfile>")
			return exitParseError
		}
		image, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: mbus program: %v\n", err)
			return exitUserError
		}
		if len(image) == 0 {
			fmt.Fprintln(os.Stderr, "icebridge: mbus program: empty binary image")
			return exitInvalidBinary
		}
		if err := mbus.NewProgrammer(transport).Flash(image); err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: mbus program: %v\n", err)
			return exitUserError
		}
		return exitOK
	case "gdb":
		ctl := target.New(transport)
		server := gdb.New(ctl)
		if err := server.ListenAndServe("localhost:2331"); err != nil {
			fmt.Fprintf(os.Stderr, "icebridge: mbus gdb: %v\n", err)
			return exitUserError
		}
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "icebridge: mbus: unknown subcommand %q\n", args[0])
		return exitParseError
	}
}
