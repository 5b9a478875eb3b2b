// Command pfc-host is the operator console of the converter: it talks to
// pfcd (or the real controller) over the serial link.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/VictorTagayun/PFController/host/client"
	"github.com/VictorTagayun/PFController/host/serial"
	"github.com/VictorTagayun/PFController/logging"
)

var (
	device  = flag.String("device", "/dev/ttyUSB0", "Serial device path")
	baud    = flag.Int("baud", 115200, "Baud rate")
	timeout = flag.Duration("timeout", client.DefaultTimeout, "Request timeout")
	verbose = flag.Bool("verbose", false, "Log link errors")
)

func main() {
	flag.Parse()

	logCfg := logging.Config{Level: "warn", Output: "console"}
	if *verbose {
		logCfg.Debug = true
	}
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud

	fmt.Printf("Connecting to %s...\n", *device)
	cl, err := client.Connect(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()
	cl.SetTimeout(*timeout)

	sh := newShell(cl, os.Stdout)
	if v, err := cl.Version(); err == nil {
		fmt.Printf("Connected: firmware %d.%d.%d (%s)\n", v.Major, v.Minor, v.Micro, v.Build)
	} else {
		fmt.Fprintf(os.Stderr, "Warning: no answer to version request: %v\n", err)
	}

	fmt.Println("Enter commands ('help' lists them, 'quit' exits):")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if errors.Is(sh.exec(scanner.Text()), errQuit) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

// watchInterval paces the watch command
var watchInterval = time.Second
