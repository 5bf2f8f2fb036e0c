// Command decode-push is the decoder-side push CLI example harness from
// spec.md §6: it links to a running prompt process and pushes blocks of a
// local KV cache into the prompt's remote cache. See cmd/decode-pull's
// package comment for why the remote tensor addresses are passed on the
// command line rather than learned automatically.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	datadist "github.com/ehrlich-b/datadist"
	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/logging"
	"github.com/ehrlich-b/datadist/internal/simfabric"
)

func main() {
	var (
		remoteIP         string
		remotePort       int
		remoteCacheID    uint64
		remoteTensorAddr []string
		verbose          bool
	)

	root := &cobra.Command{
		Use:   "decode-push <device_id> <local_ip>",
		Short: "Push blocks of a local cache into a remote prompt's KV cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid device_id %q: %w", args[0], err)
			}
			return runDecodePush(deviceID, args[1], remoteIP, remotePort, remoteCacheID, remoteTensorAddr, verbose)
		},
	}
	root.Flags().StringVar(&remoteIP, "remote-ip", "127.0.0.1", "prompt host to connect to")
	root.Flags().IntVar(&remotePort, "remote-port", constants.PromptListenPort, "prompt listen port")
	root.Flags().Uint64Var(&remoteCacheID, "remote-cache-id", 1, "remote cache id printed by the prompt process")
	root.Flags().StringSliceVar(&remoteTensorAddr, "remote-tensor-addrs", nil, "comma-separated per-tensor base addresses printed by the prompt process")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDecodePush(deviceID int, localIP, remoteIP string, remotePort int, remoteCacheID uint64, remoteTensorAddrs []string, verbose bool) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)

	if len(remoteTensorAddrs) == 0 {
		return fmt.Errorf("--remote-tensor-addrs is required (copy the addresses printed by the prompt process)")
	}
	remoteAddrs := make([]uint64, len(remoteTensorAddrs))
	for i, s := range remoteTensorAddrs {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid remote tensor addr %q: %w", s, err)
		}
		remoteAddrs[i] = v
	}

	arena := simfabric.NewArena(256 << 20)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	engine := datadist.New(rt, fb)
	if err := engine.Initialize(datadist.Options{
		DeviceID:   deviceID,
		BufPoolCfg: []datadist.BufCfgEntry{{TotalSize: 64 << 20, BlkSize: 4096, MaxBufSize: 1 << 20}},
		Logger:     logger,
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer engine.Finalize()

	desc := datadist.CacheDesc{
		Placement:   interfaces.MemHost,
		ElemType:    "int32",
		Shape:       []int{8, 16},
		NumTensors:  4,
		Stride:      8 * 16 * 4,
		NumBlocks:   8,
		BlockStride: 16 * 4,
	}
	localCacheID, err := engine.AllocateCache(desc)
	if err != nil {
		return fmt.Errorf("allocate local cache: %w", err)
	}
	for t := 0; t < desc.NumTensors; t++ {
		buf := make([]byte, desc.Stride)
		for i := range buf {
			buf[i] = byte(t + 1)
		}
		if err := rt.CopyIn(engine.CacheTensorAddr(localCacheID, t), buf); err != nil {
			return fmt.Errorf("seed local tensor %d: %w", t, err)
		}
	}

	const clusterID = "prompt-cluster"
	addr := &unix.SockaddrInet4{Port: remotePort}
	copy(addr.Addr[:], parseIPv4(remoteIP))
	ch, err := channel.NewClient(1, addr)
	if err != nil {
		return fmt.Errorf("dial prompt: %w", err)
	}
	if err := engine.LinkToRemote(clusterID, ch); err != nil {
		ch.Finalize()
		return fmt.Errorf("link to prompt: %w", err)
	}

	remoteDesc := desc
	remoteDesc.Placement = interfaces.MemDevice
	engine.ResolveRemoteCache(clusterID, remoteCacheID, remoteDesc, remoteAddrs)

	if err := engine.PushKvBlocks(clusterID, localCacheID, remoteCacheID, []int{1, 2, 3}, []int{1, 2, 3}); err != nil {
		return fmt.Errorf("push_kv_blocks: %w", err)
	}

	logger.Info("push complete", "local_ip", localIP, "local_cache_id", localCacheID, "blocks", []int{1, 2, 3})
	fmt.Printf("pushed blocks [1,2,3] from local cache_id=%d\n", localCacheID)
	return nil
}

func parseIPv4(s string) [4]byte {
	var out [4]byte
	parts := strings.SplitN(s, ".", 4)
	for i := 0; i < 4 && i < len(parts); i++ {
		v, _ := strconv.Atoi(parts[i])
		out[i] = byte(v)
	}
	return out
}
