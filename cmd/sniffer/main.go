// The sniffer prints the TTTWorld packets in captured TCP traffic, either read
// live from a device or from a pcap file. Sessions are only readable when the
// server runs with debugging.disable_encryption; encrypted frames are reported
// by size.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

var (
	device = flag.String("d", "", "Device on which to listen for packets")
	file   = flag.String("r", "", "pcap file to read instead of listening on a device")
	port   = flag.Uint("p", 15060, "Port the server is listening on")
)

func main() {
	flag.Parse()

	var source *gopacket.PacketSource
	switch {
	case *file != "":
		f, err := os.Open(*file)
		if err != nil {
			exit("error opening %s: %v", *file, err)
		}
		defer f.Close()

		reader, err := pcapgo.NewReader(f)
		if err != nil {
			exit("error reading %s: %v", *file, err)
		}
		source = gopacket.NewPacketSource(reader, reader.LinkType())
	case *device != "":
		if getDeviceIP() == "" {
			exit("invalid device: %s", *device)
		}
		handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
		if err != nil {
			exit("error opening handle: %v", err)
		}
		defer handle.Close()

		if err := handle.SetBPFFilter(fmt.Sprintf("tcp and port %d", *port)); err != nil {
			exit("error setting filter: %v", err)
		}
		source = gopacket.NewPacketSource(handle, handle.LinkType())
	default:
		exit("one of -d or -r is required")
	}

	s := &sniffer{Writer: bufio.NewWriter(os.Stdout), Port: uint16(*port)}
	s.startReading(source.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func getDeviceIP() string {
	devs, _ := pcap.FindAllDevs()
	for _, dev := range devs {
		if dev.Name == *device {
			for _, address := range dev.Addresses {
				return address.IP.String()
			}
		}
	}
	return ""
}
