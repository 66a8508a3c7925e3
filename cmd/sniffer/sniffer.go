package main

import (
	"bufio"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dcrodman/tttworld/internal/core/codec"
	"github.com/dcrodman/tttworld/internal/core/debug"
	"github.com/dcrodman/tttworld/internal/packets"
)

// sniffer reassembles frames separately for each direction of each TCP flow.
type sniffer struct {
	Writer *bufio.Writer
	// Port of the server, used to tell which side sent a segment.
	Port uint16

	flows map[string]*codec.Assembler
}

func (s *sniffer) startReading(packetChan <-chan gopacket.Packet) {
	s.flows = make(map[string]*codec.Assembler)

	for packet := range packetChan {
		s.handlePacket(packet)
	}
	_ = s.Writer.Flush()
}

func (s *sniffer) handlePacket(packet gopacket.Packet) {
	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || len(tcp.Payload) == 0 {
		return
	}

	key := tcp.TransportFlow().String()
	if network := packet.NetworkLayer(); network != nil {
		key = network.NetworkFlow().String() + " " + key
	}

	assembler, ok := s.flows[key]
	if !ok {
		assembler = codec.NewAssembler(codec.MaxFrameSize)
		s.flows[key] = assembler
	}

	// Sent by the client if it's headed for the server's port.
	outbound := uint16(tcp.DstPort) == s.Port

	data := tcp.Payload
	for len(data) > 0 {
		consumed, body, err := assembler.Feed(data)
		data = data[consumed:]
		if err != nil {
			fmt.Fprintf(s.Writer, "[%s] %v; resynchronizing\n", key, err)
			s.flows[key] = codec.NewAssembler(codec.MaxFrameSize)
			return
		}
		if body != nil {
			s.emit(key, outbound, body)
		}
	}
}

func (s *sniffer) emit(flow string, outbound bool, body []byte) {
	params := debug.PrintPacketParams{
		Writer:   s.Writer,
		Address:  flow,
		Outbound: outbound,
	}

	if len(body) > 0 && body[0] == codec.StageEncrypted {
		fmt.Fprintf(s.Writer, "[%s] encrypted frame (%d bytes)\n", flow, len(body))
		return
	}

	payload, err := codec.Unwrap(body, nil)
	if err != nil {
		params.Data = body
	} else if params.Packet, err = packets.Decode(payload); err != nil {
		params.Packet = nil
		params.Data = payload
	}
	debug.PrintPacket(params)
}
