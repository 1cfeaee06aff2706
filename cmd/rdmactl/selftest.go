package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device/software"
	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/retry"
	"github.com/danmuck/openrdma/internal/types"
)

const (
	selftestQpn     = 5
	selftestMemBase = 0x10_0000
	selftestMemSize = 1 << 16
	selftestRKey    = 1
)

var (
	selftestIPA = netip.MustParseAddr("10.0.0.1")
	selftestIPB = netip.MustParseAddr("10.0.0.2")
)

type selftestOptions struct {
	Size      int
	DropFirst bool
	Timeout   time.Duration
	Retry     retry.Config
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "WRITE then READ between two software devices on loopback",
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("size")
		dropFirst, _ := cmd.Flags().GetBool("drop-first")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		opts := selftestOptions{
			Size:      size,
			DropFirst: dropFirst,
			Timeout:   timeout,
			Retry: retry.Config{
				Enabled:          true,
				MaxRetry:         3,
				RetryTimeout:     200 * time.Millisecond,
				CheckingInterval: 2 * time.Millisecond,
			},
		}
		return runSelftest(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	rootCmd.AddCommand(selftestCmd)
	selftestCmd.Flags().Int("size", 4096, "bytes moved by each operation")
	selftestCmd.Flags().Bool("drop-first", false, "drop the first outgoing WRITE packet to force a resend")
	selftestCmd.Flags().Duration("timeout", 5*time.Second, "per-operation timeout")
}

func runSelftest(ctx context.Context, out io.Writer, opts selftestOptions) error {
	if opts.Size <= 0 || opts.Size > selftestMemSize/4 {
		return fmt.Errorf("size must be in (0, %d]", selftestMemSize/4)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var dropped atomic.Bool
	var drop func(software.Packet) bool
	if opts.DropFirst {
		drop = func(p software.Packet) bool {
			return p.Opcode == software.PktWrite && dropped.CompareAndSwap(false, true)
		}
	}

	memA := software.NewBufferMemory(selftestMemBase, selftestMemSize)
	memB := software.NewBufferMemory(selftestMemBase, selftestMemSize)
	cfg := driver.DefaultConfig()
	cfg.Retry = opts.Retry

	cfgA := cfg
	cfgA.Network = types.Network{IP: selftestIPA}
	a, err := driver.NewSoftware(software.Config{ListenAddr: "127.0.0.1:0", Memory: memA, DropFunc: drop}, cfgA)
	if err != nil {
		return fmt.Errorf("open requester: %w", err)
	}
	defer a.Close()
	cfgB := cfg
	cfgB.Network = types.Network{IP: selftestIPB}
	b, err := driver.NewSoftware(software.Config{ListenAddr: "127.0.0.1:0", Memory: memB}, cfgB)
	if err != nil {
		return fmt.Errorf("open responder: %w", err)
	}
	defer b.Close()

	swA := a.Adaptor().(*software.Device)
	swB := b.Adaptor().(*software.Device)
	swA.AddPeer(selftestIPB, swB.LocalAddr())
	swB.AddPeer(selftestIPA, swA.LocalAddr())

	qp := func(peer netip.Addr) driver.QpParams {
		return driver.QpParams{
			Qpn:         selftestQpn,
			QpType:      types.QpTypeRC,
			AccessFlags: types.AccessLocalWrite | types.AccessRemoteWrite | types.AccessRemoteRead,
			Pmtu:        types.Pmtu1024,
			DqpIP:       peer,
		}
	}
	if err := a.CreateQP(qp(selftestIPB)); err != nil {
		return fmt.Errorf("create requester qp: %w", err)
	}
	if err := b.CreateQP(qp(selftestIPA)); err != nil {
		return fmt.Errorf("create responder qp: %w", err)
	}

	payload := make([]byte, opts.Size)
	for i := range payload {
		payload[i] = byte(i*7 + 3)
	}
	if err := memA.WriteAt(selftestMemBase, payload); err != nil {
		return err
	}

	remote := uint64(selftestMemBase + selftestMemSize/2)
	start := time.Now()
	op, err := a.Write(selftestQpn, remote, selftestRKey, types.AccessRemoteWrite,
		descriptor.Sge{Addr: selftestMemBase, Len: uint32(opts.Size)})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := waitSelftestOp(ctx, op, opts.Timeout); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got, err := memB.Snapshot(remote, opts.Size)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("write: responder memory mismatch")
	}
	fmt.Fprintf(out, "write ok bytes=%d elapsed=%s resent=%t\n", opts.Size, time.Since(start).Round(time.Millisecond), dropped.Load())

	local := uint64(selftestMemBase + selftestMemSize/4)
	start = time.Now()
	op, err = a.Read(selftestQpn, remote, selftestRKey, types.AccessRemoteRead,
		descriptor.Sge{Addr: local, Len: uint32(opts.Size)})
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := waitSelftestOp(ctx, op, opts.Timeout); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	got, err = memA.Snapshot(local, opts.Size)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("read: requester memory mismatch")
	}
	fmt.Fprintf(out, "read ok bytes=%d elapsed=%s\n", opts.Size, time.Since(start).Round(time.Millisecond))
	return nil
}

func waitSelftestOp(ctx context.Context, op *opctx.OpCtx[struct{}], timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := op.WaitResultContext(ctx)
	return err
}
