// Command pe-demo wires up two progress engines over the in-memory
// loopback transport and walks through one eager (inline) SEND/RECV
// exchange, printing the server's receive completion. It exists to show
// the control-plane wiring (pe.Init/AddTxCtx/AddRxCtx/ProgressTxCtx/
// ProgressRxCtx) end to end without any real RDMA hardware.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	pe "github.com/zhpe-fabric/progress-engine"
	"github.com/zhpe-fabric/progress-engine/internal/logging"
	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
	"github.com/zhpe-fabric/progress-engine/internal/ringreader"
	"github.com/zhpe-fabric/progress-engine/internal/rx"
	"github.com/zhpe-fabric/progress-engine/internal/tx"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
	"github.com/zhpe-fabric/progress-engine/transport/loopback"
)

func main() {
	var (
		message   string
		ringSlots uint32
		slotSize  int
		verbose   bool
		mode      string
	)

	root := &cobra.Command{
		Use:   "pe-demo",
		Short: "Demonstrate the progress engine over a loopback transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(message, ringSlots, slotSize, mode, verbose)
		},
	}
	root.Flags().StringVar(&message, "message", "hello from pe-demo", "eager message body to send")
	root.Flags().Uint32Var(&ringSlots, "ring-slots", 8, "number of slots in the receiver's incoming ring")
	root.Flags().IntVar(&slotSize, "slot-size", 256, "bytes per ring slot")
	root.Flags().StringVar(&mode, "mode", "MANUAL", "progress mode: AUTO or MANUAL")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(message string, ringSlots uint32, slotSize int, modeFlag string, verbose bool) error {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	defer logger.Sync()

	progressMode := pe.ProgressManual
	if modeFlag == "AUTO" {
		progressMode = pe.ProgressAuto
	}

	hub := loopback.NewHub()

	serverOpts := pe.DefaultOptions()
	serverOpts.Mode = progressMode
	server, err := pe.Init(hub.Endpoint(1), pe.NewMockKeyStore(), logger, serverOpts)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer server.Finalize()

	clientOpts := pe.DefaultOptions()
	clientOpts.Mode = progressMode
	client, err := pe.Init(hub.Endpoint(2), pe.NewMockKeyStore(), logger, clientOpts)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer client.Finalize()

	ring, err := ringbuf.New(ringSlots, slotSize)
	if err != nil {
		return fmt.Errorf("new ring: %w", err)
	}

	rxCtx := rx.NewContext()
	matcher := rx.NewMatcher()
	serverDriver := tx.NewDriver(hub.Endpoint(1), serverOpts.MaxIOOps, serverOpts.MaxIOBytes)
	getIssuer := pe.NewGetIssuer(serverDriver, nil, nil)
	sm := rx.NewStateMachine(rxCtx, matcher, getIssuer, server.Reporter.ReportRx, rx.Config{
		KeyResolver: server.Broker,
		RetryQ:      server.RetryQ,
		AckSender:   server.AckSender(),
	})
	getIssuer.Bind(sm)

	serverConn := server.Conns.Add("client", ring)
	hub.RegisterRing(serverConn.ID, ring)

	reader := ringreader.New(ringreader.Config{
		Ring:      ring,
		ConnID:    serverConn.ID,
		Transport: hub.Endpoint(1),
		SM:        sm,
		Broker:    server.Broker,
		Logger:    logger,
	})
	serverConn.SetReader(reader)

	serverRxCtx, err := server.AddRxCtx(rxCtx, sm)
	if err != nil {
		return fmt.Errorf("add rx ctx: %w", err)
	}
	serverTxCtx := server.AddTxCtx(serverDriver)

	clientDriver := tx.NewDriver(hub.Endpoint(2), clientOpts.MaxIOOps, clientOpts.MaxIOBytes)
	clientTxCtx := client.AddTxCtx(clientDriver)

	recvBuf := make([]byte, slotSize)
	if _, err := sm.PostRecv(rx.AddrAny, recvBuf, false, 0, 0); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}

	ctx := context.Background()

	fmt.Printf("posting eager send of %d bytes to connection %d\n", len(message), serverConn.ID)
	hdr := wire.MsgHdr{Opcode: wire.OpSend, Flags: wire.FlagInline, InlineLen: uint16(len(message))}
	clientDriver.SubmitSend(serverConn.ID, append(hdr.Marshal(), message...), func(bytes uint64, status int32) {
		fmt.Printf("client: send completed, %d bytes, status %d\n", bytes, status)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.ProgressTxCtx(ctx, clientTxCtx); err != nil {
			return fmt.Errorf("progress client tx: %w", err)
		}
		if err := server.ProgressRxCtx(ctx, serverRxCtx); err != nil {
			return fmt.Errorf("progress server rx: %w", err)
		}
		if err := server.ProgressTxCtx(ctx, serverTxCtx); err != nil {
			return fmt.Errorf("progress server tx: %w", err)
		}

		records := server.Reporter.Drain(0)
		for _, rec := range records {
			fmt.Printf("server: completion conn=%d kind=%d bytes=%d status=%d\n", rec.ConnID, rec.Kind, rec.Bytes, rec.Status)
			fmt.Printf("server: delivered %q\n", recvBuf[:rec.Bytes])
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	return fmt.Errorf("timed out waiting for delivery")
}
