package debug

import (
	"bufio"
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tttworld/internal/packets"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger *logrus.Logger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// This function starts the default pprof HTTP server that can be accessed via localhost
// to get runtime information about the server. See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger *logrus.Logger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

type PrintPacketParams struct {
	Writer *bufio.Writer
	// Address of the remote end of the connection.
	Address string
	// Outbound is true for packets written by this process.
	Outbound bool
	Packet   packets.Packet
	// Raw frame body, printed when Packet is nil.
	Data []byte
}

var printer = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// PrintPacket writes a human readable dump of a packet (or raw frame) to the writer.
func PrintPacket(params PrintPacketParams) {
	direction := "<-"
	if params.Outbound {
		direction = "->"
	}

	if params.Packet != nil {
		fmt.Fprintf(params.Writer, "[%s] %s %v\n", params.Address, direction, params.Packet.Type())
		printer.Fdump(params.Writer, params.Packet)
	} else {
		fmt.Fprintf(params.Writer, "[%s] %s %d bytes\n", params.Address, direction, len(params.Data))
		fmt.Fprintln(params.Writer, spew.Sdump(params.Data))
	}
	_ = params.Writer.Flush()
}
