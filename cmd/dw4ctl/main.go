package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/dw4/dw4core"
)

// dw4ctl is a minimal diagnostic client: it dials the core's
// serial-over-TCP listener and speaks the same wire opcodes a host
// computer would, to confirm the core is alive and reporting sane
// time. It is not a management client — it never touches config or
// the status surface directly, only the wire protocol already
// exposed to every host computer (SPEC_FULL §1, §4.G).
func main() {
	addr := flag.String("addr", dw4core.DefaultListenAddr, "host:port the dw4d core is listening on")
	timeout := flag.Duration("timeout", 3*time.Second, "dial and round-trip timeout")
	flag.Usage = printUsage
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	if err := pingDwinit(conn, *timeout); err != nil {
		log.Fatalf("dwinit: %v", err)
	}
	fmt.Println("DWINIT: ok")

	y, mo, d, h, mi, s, err := fetchTime(conn, *timeout)
	if err != nil {
		log.Fatalf("time: %v", err)
	}
	fmt.Printf("TIME: %04d-%02d-%02d %02d:%02d:%02d\n", 1900+int(y), mo, d, h, mi, s)
}

// pingDwinit sends DWINIT with an arbitrary drive-count byte and
// checks for the single-byte success reply (§4.G dwinit).
func pingDwinit(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte{0x5A, 0x04}); err != nil {
		return err
	}
	var reply [1]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != 0x00 {
		return fmt.Errorf("unexpected reply byte 0x%02X", reply[0])
	}
	return nil
}

// fetchTime sends TIME and decodes the six-byte reply (§4.A, §4.G time).
func fetchTime(conn net.Conn, timeout time.Duration) (year, month, day, hour, minute, second byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return
	}
	if _, err = conn.Write([]byte{0x23}); err != nil {
		return
	}
	var reply [6]byte
	if _, err = readFull(conn, reply[:]); err != nil {
		return
	}
	return reply[0], reply[1], reply[2], reply[3], reply[4], reply[5], nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func printUsage() {
	fmt.Println("dw4ctl - DriveWire 4 diagnostic client")
	fmt.Println("Usage:")
	fmt.Println("  dw4ctl [-addr host:port] [-timeout duration]")
	fmt.Println()
	fmt.Println("Sends DWINIT and TIME over the core's serial-over-TCP link and")
	fmt.Println("prints the replies, to confirm the core is reachable and its")
	fmt.Println("clock is sane.")
}
