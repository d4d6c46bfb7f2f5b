// udplat measures one-way latency and packet loss between two mobile nodes
// over UDP, with chrony-based clock synchronization so the embedded
// timestamps are comparable across nodes. One node runs as sender, the
// other as receiver; each supervises its own recorders and status monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"udplat/pkg/budget"
	"udplat/pkg/session"
)

func main() {
	if err := mainErr(); err != nil {
		log.Fatal(err)
	}
}

func mainErr() error {
	var (
		mode       string
		conf       session.Config
		retryDelay float64

		enableGPS   bool
		gpsCmd      string
		droneID     string
		gpsInterval float64

		enableMesh   bool
		meshCmd      string
		meshDevice   string
		meshInterval float64
	)

	flag.StringVar(&mode, "mode", "", "operating mode: sender or receiver")
	flag.StringVar(&conf.LocalIP, "local-ip", "", "local address to bind (default all interfaces)")
	flag.IntVar(&conf.LocalPort, "local-port", 0, "local port (default 20002 sender, 20001 receiver)")
	flag.StringVar(&conf.PeerIP, "peer-ip", "", "peer data-plane address")
	flag.IntVar(&conf.PeerPort, "peer-port", 20001, "peer data-plane port")
	flag.IntVar(&conf.PacketSize, "packet-size", 1000, "datagram size in bytes")
	flag.Float64Var(&conf.Rate, "rate", 10, "sending rate (packets/s)")
	flag.IntVar(&conf.ActiveSeconds, "time", 60, "active communication time (s)")
	flag.IntVar(&conf.BufferSize, "buffer-size", 1500, "receive buffer size in bytes")
	flag.Float64Var(&retryDelay, "network-retry-delay", 1, "delay before retrying a failed send (s)")
	flag.BoolVar(&conf.LogErrors, "log-network-errors", true, "log transient send failures")
	flag.StringVar(&conf.LogDir, "log-dir", "./logs", "directory for measurement logs")

	skipSync := flag.Bool("skip-sync", false, "run without clock synchronization")
	flag.StringVar(&conf.SyncPeerIP, "sync-peer-ip", "", "peer address on the sync plane (default peer-ip)")
	flag.BoolVar(&conf.ReuseSyncConfig, "reuse-sync-config", false, "keep the existing chrony configuration")

	flag.BoolVar(&enableGPS, "enable-gps", false, "record position telemetry")
	flag.StringVar(&gpsCmd, "gps-cmd", "gps_logger", "position recorder command")
	flag.StringVar(&droneID, "drone-id", "drone0", "node namespace passed to the position recorder")
	flag.Float64Var(&gpsInterval, "gps-interval", 1, "position sampling interval (s)")

	flag.BoolVar(&enableMesh, "enable-mesh", false, "record mesh link status")
	flag.StringVar(&meshCmd, "mesh-cmd", "nexfi_logger", "mesh status recorder command")
	flag.StringVar(&meshDevice, "mesh-device", "adhoc0", "mesh device name")
	flag.Float64Var(&meshInterval, "mesh-interval", 1, "mesh status sampling interval (s)")

	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	switch mode {
	case "sender":
		conf.Mode = budget.ModeSender
	case "receiver":
		conf.Mode = budget.ModeReceiver
	default:
		return fmt.Errorf("mode must be sender or receiver, got %q", mode)
	}

	if conf.LocalPort == 0 {
		if conf.Mode == budget.ModeSender {
			conf.LocalPort = 20002
		} else {
			conf.LocalPort = 20001
		}
	}
	conf.SyncEnabled = !*skipSync
	conf.RetryDelay = time.Duration(retryDelay * float64(time.Second))

	if enableGPS {
		conf.Recorders = append(conf.Recorders, session.RecorderConfig{
			Name:    "gps",
			Command: gpsCmd,
			Args: []string{
				"--drone-id", droneID,
				"--interval", strconv.FormatFloat(gpsInterval, 'f', -1, 64),
			},
		})
	}
	if enableMesh {
		conf.Recorders = append(conf.Recorders, session.RecorderConfig{
			Name:    "mesh",
			Command: meshCmd,
			Args: []string{
				"--device", meshDevice,
				"--interval", strconv.FormatFloat(meshInterval, 'f', -1, 64),
			},
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := session.New(conf)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
