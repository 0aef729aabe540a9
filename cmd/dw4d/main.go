package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dw4/dw4core"
)

func main() {
	listenFlag := flag.String("listen", dw4core.DefaultListenAddr, "host:port to listen on for the host computer's serial-over-TCP link")
	baudFlag := flag.Int("baud", dw4core.DefaultBaudRate, "UART baud rate; unsupported values fall back to 115200")
	tzFlag := flag.Int("tz", 0, "timezone offset in hours, -12..14, applied to the TIME opcode reply")

	drive0 := flag.String("drive0", "", "local sector-image path for drive slot 0")
	drive1 := flag.String("drive1", "", "local sector-image path for drive slot 1")
	drive2 := flag.String("drive2", "", "local sector-image path for drive slot 2")
	drive3 := flag.String("drive3", "", "local sector-image path for drive slot 3")

	mirrorTable := flag.String("log-mirror-table", "", "Azure Table name for the durable log mirror (disabled if empty)")
	mirrorAccount := flag.String("log-mirror-account", "", "Azure Storage account for the durable log mirror")
	mirrorKey := flag.String("log-mirror-key", "", "Azure Storage account key for the durable log mirror")

	flag.Usage = printUsage
	flag.Parse()

	opts := []dw4core.Option{
		dw4core.WithListenAddr(*listenFlag),
		dw4core.WithBaudRate(*baudFlag),
		dw4core.WithTimezoneOffset(*tzFlag),
	}
	for slot, path := range []string{*drive0, *drive1, *drive2, *drive3} {
		if path == "" {
			continue
		}
		opts = append(opts, dw4core.WithDrive(slot, dw4core.DriveConfig{
			Backend: dw4core.BackendFile,
			Path:    path,
		}))
	}
	if *mirrorTable != "" {
		opts = append(opts, dw4core.WithLogMirror(&dw4core.LogMirrorConfig{
			Table:   *mirrorTable,
			Account: *mirrorAccount,
			Key:     *mirrorKey,
		}))
	}

	cfg := dw4core.ApplyOptions(opts...)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := dw4core.NewServer(cfg)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("start failed: %v", err)
	}
	log.Printf("dw4d listening on %s", *listenFlag)

	<-ctx.Done()
	log.Printf("shutting down")
	if err := srv.Stop(); err != nil {
		log.Fatalf("stop failed: %v", err)
	}
}

func printUsage() {
	fmt.Println("dw4d - DriveWire 4 protocol server")
	fmt.Println("Usage:")
	fmt.Println("  dw4d [-listen host:port] [-baud rate] [-tz hours] [-drive0 path] ... [-drive3 path]")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  dw4d -listen :65504 -drive0 disk0.dsk -drive1 disk1.dsk")
}
