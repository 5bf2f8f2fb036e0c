// Command decode-pull is the decoder-side pull CLI example harness from
// spec.md §6: it links to a running prompt process and pulls blocks of a
// remote KV cache into a local one.
//
// Because this repository's fabric binding (internal/simfabric) is a
// loopback simulator rather than real RDMA/NPU hardware, two independent
// decode-pull/prompt processes cannot actually share an address space: the
// remote tensor addresses a real deployment would learn during the link
// handshake's memory-descriptor exchange must instead be passed on the
// command line, printed by the prompt process at startup. See facade.go's
// remoteCache doc comment for the same simplification in the library API.
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
		remotePort       int
		remoteCacheID    uint64
		remoteTensorAddr []string
		verbose          bool
	)

	root := &cobra.Command{
		Use:   "decode-pull <device_id> <local_ip> <remote_ip>",
		Short: "Pull blocks of a remote prompt's KV cache into a local cache",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid device_id %q: %w", args[0], err)
			}
			return runDecodePull(deviceID, args[1], args[2], remotePort, remoteCacheID, remoteTensorAddr, verbose)
		},
	}
	root.Flags().IntVar(&remotePort, "remote-port", constants.PromptListenPort, "prompt listen port")
	root.Flags().Uint64Var(&remoteCacheID, "remote-cache-id", 1, "remote cache id printed by the prompt process")
	root.Flags().StringSliceVar(&remoteTensorAddr, "remote-tensor-addrs", nil, "comma-separated per-tensor base addresses printed by the prompt process")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDecodePull(deviceID int, localIP, remoteIP string, remotePort int, remoteCacheID uint64, remoteTensorAddrs []string, verbose bool) error {
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

	const clusterID = "prompt-cluster"
	if _, err := dialCluster(engine, remoteIP, remotePort); err != nil {
		return fmt.Errorf("link to prompt: %w", err)
	}

	remoteDesc := desc
	remoteDesc.Placement = interfaces.MemDevice
	engine.ResolveRemoteCache(clusterID, remoteCacheID, remoteDesc, remoteAddrs)

	if err := engine.PullKvBlocks(clusterID, remoteCacheID, localCacheID, []int{1, 2, 3}, []int{1, 2, 3}); err != nil {
		return fmt.Errorf("pull_kv_blocks: %w", err)
	}

	logger.Info("pull complete", "local_ip", localIP, "local_cache_id", localCacheID, "blocks", []int{1, 2, 3})
	fmt.Printf("pulled blocks [1,2,3] into local cache_id=%d\n", localCacheID)
	return nil
}

// dialCluster connects to the prompt's listen port, registers the resulting
// channel with both the channel manager and the link manager under a fixed
// demo cluster id, and returns it.
func dialCluster(engine *datadist.Engine, remoteIP string, remotePort int) (*channel.Channel, error) {
	addr := &unix.SockaddrInet4{Port: remotePort}
	copy(addr.Addr[:], parseIPv4(remoteIP))
	ch, err := channel.NewClient(1, addr)
	if err != nil {
		return nil, err
	}
	if err := engine.LinkToRemote("prompt-cluster", ch); err != nil {
		ch.Finalize()
		return nil, err
	}
	return ch, nil
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
