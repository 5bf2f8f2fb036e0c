// Command prompt is the prompt-side CLI example harness from spec.md §6:
// it allocates a demo KV cache, starts listening for decoder links on the
// prompt port, and serves pull/push requests until signalled to stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	datadist "github.com/ehrlich-b/datadist"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/logging"
	"github.com/ehrlich-b/datadist/internal/simfabric"
)

func main() {
	var (
		localIP  string
		port     int
		verbose  bool
	)

	root := &cobra.Command{
		Use:   "prompt <device_id> <local_ip>",
		Short: "Serve a demo KV cache for decoders to link against",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deviceID int
			if _, err := fmt.Sscanf(args[0], "%d", &deviceID); err != nil {
				return fmt.Errorf("invalid device_id %q: %w", args[0], err)
			}
			localIP = args[1]
			return runPrompt(deviceID, localIP, port, verbose)
		},
	}
	root.Flags().IntVar(&port, "port", constants.PromptListenPort, "listen port")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPrompt(deviceID int, localIP string, port int, verbose bool) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)

	arena := simfabric.NewArena(256 << 20)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	engine := datadist.New(rt, fb)

	if err := engine.Initialize(datadist.Options{
		DeviceID:   deviceID,
		ListenPort: port,
		BufPoolCfg: []datadist.BufCfgEntry{{TotalSize: 64 << 20, BlkSize: 4096, MaxBufSize: 1 << 20}},
		Logger:     logger,
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer engine.Finalize()

	// Scenario 1's demo cache: 4 tensors of 8x16 int32, filled iota(0,128)
	// per tensor so a decoder pulling blocks [1,2,3] can verify the
	// [16..64] slice round-trips correctly.
	desc := datadist.CacheDesc{
		Placement:   interfaces.MemDevice,
		ElemType:    "int32",
		Shape:       []int{8, 16},
		NumTensors:  4,
		Stride:      8 * 16 * 4,
		NumBlocks:   8,
		BlockStride: 16 * 4,
	}
	cacheID, err := engine.AllocateCache(desc)
	if err != nil {
		return fmt.Errorf("allocate demo cache: %w", err)
	}

	for t := 0; t < desc.NumTensors; t++ {
		buf := make([]byte, desc.Stride)
		for i := 0; i < 8*16; i++ {
			v := int32(i % 128)
			buf[4*i] = byte(v)
			buf[4*i+1] = byte(v >> 8)
			buf[4*i+2] = byte(v >> 16)
			buf[4*i+3] = byte(v >> 24)
		}
		if err := rt.CopyIn(engine.CacheTensorAddr(cacheID, t), buf); err != nil {
			return fmt.Errorf("seed tensor %d: %w", t, err)
		}
	}

	logger.Info("prompt serving demo cache", "cache_id", cacheID, "listen_ip", localIP, "listen_port", port)
	fmt.Printf("prompt cache_id=%d listening on %s:%d\n", cacheID, localIP, port)
	fmt.Printf("pass these to decode-pull/decode-push:\n")
	fmt.Printf("  --remote-cache-id=%d --remote-tensor-addrs=", cacheID)
	for t := 0; t < desc.NumTensors; t++ {
		if t > 0 {
			fmt.Print(",")
		}
		fmt.Printf("%d", engine.CacheTensorAddr(cacheID, t))
	}
	fmt.Println()
	fmt.Println("press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}
