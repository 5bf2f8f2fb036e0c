package taskgen

import "testing"

// TestCrossPlacementPlanShape mirrors the cross-placement pull scenario:
// two 32 MiB buffers, 512 KiB blocks (64 blocks/buffer), 80 tensors x 128
// blocks must produce exactly 160 (start,end) pairs, and every
// transfer-block task must be <= 4 MiB.
func TestCrossPlacementPlanShape(t *testing.T) {
	blocks := make([]int, 128)
	for i := range blocks {
		blocks[i] = i
	}

	tasks := Generate(Params{
		NumTensors: 80,
		Blocks:     blocks,
		BlockSize:  512 * 1024,
		BufferSize: 32 << 20,
		NumBuffers: 2,
	})

	starts, ends, transfers := 0, 0, 0
	for _, task := range tasks {
		switch task.Kind {
		case StartBuffer:
			starts++
		case EndBuffer:
			ends++
		case TransferBlock:
			transfers++
			if task.Span.Size > 4<<20 {
				t.Fatalf("transfer-block task size %d exceeds 4 MiB cap", task.Span.Size)
			}
		}
	}
	if starts != 160 || ends != 160 {
		t.Fatalf("got %d starts / %d ends, want 160/160", starts, ends)
	}
	if starts != ends {
		t.Fatalf("unbalanced start/end pairs: %d vs %d", starts, ends)
	}
}

func TestCoalescesContiguousBlocks(t *testing.T) {
	tasks := Generate(Params{
		NumTensors: 1,
		Blocks:     []int{0, 1, 2, 3},
		BlockSize:  1 << 20, // 1 MiB: four contiguous blocks coalesce to 4 MiB, at the cap
		BufferSize: 16 << 20,
		NumBuffers: 1,
	})

	transferCount := 0
	for _, task := range tasks {
		if task.Kind == TransferBlock {
			transferCount++
			if task.Span.Size != 4<<20 {
				t.Errorf("expected one coalesced 4 MiB transfer, got size %d", task.Span.Size)
			}
		}
	}
	if transferCount != 1 {
		t.Errorf("expected exactly 1 coalesced transfer task, got %d", transferCount)
	}
}

// TestGenerateForClientBlocksPacesOnPeerCapacity verifies that a peer's
// smaller per-buffer block count closes buffers earlier than this side's
// own BufferSize alone would: 8 non-contiguous blocks (so coalesce never
// merges runs) fit 8-per-buffer locally but the peer only holds 2 per
// buffer, so every pair of blocks must get its own start/end pair.
func TestGenerateForClientBlocksPacesOnPeerCapacity(t *testing.T) {
	blocks := []int{0, 2, 4, 6, 8, 10, 12, 14}
	tasks := GenerateForClientBlocks(Params{
		NumTensors:          1,
		Blocks:              blocks,
		BlockSize:           1 << 20,
		BufferSize:          8 << 20,
		NumBuffers:          4,
		PeerBufferBlockNums: []uint64{2, 2, 2, 2},
	})

	var starts, ends, transfers int
	for _, task := range tasks {
		switch task.Kind {
		case StartBuffer:
			starts++
		case EndBuffer:
			ends++
		case TransferBlock:
			transfers++
		}
	}
	if starts != 4 || ends != 4 {
		t.Fatalf("got %d starts / %d ends, want 4/4 (paced by peer capacity of 2 blocks/buffer)", starts, ends)
	}
	if transfers != len(blocks) {
		t.Fatalf("got %d transfer tasks, want %d", transfers, len(blocks))
	}
}

// TestGenerateDelegatesToClientBlocksWhenPeerCapacitySet confirms Generate
// itself honors Params.PeerBufferBlockNums rather than only the standalone
// entry point.
func TestGenerateDelegatesToClientBlocksWhenPeerCapacitySet(t *testing.T) {
	blocks := []int{0, 2, 4, 6}
	params := Params{
		NumTensors:          1,
		Blocks:              blocks,
		BlockSize:           1 << 20,
		BufferSize:          8 << 20,
		NumBuffers:          4,
		PeerBufferBlockNums: []uint64{1, 1, 1, 1},
	}
	tasks := Generate(params)
	var starts int
	for _, task := range tasks {
		if task.Kind == StartBuffer {
			starts++
		}
	}
	if starts != len(blocks) {
		t.Fatalf("got %d buffers, want %d (one block per buffer per peer capacity)", starts, len(blocks))
	}
}

func TestSplitsBlocksLargerThanBuffer(t *testing.T) {
	tasks := Generate(Params{
		NumTensors: 1,
		Blocks:     []int{0},
		BlockSize:  10 << 20, // 10 MiB block
		BufferSize: 4 << 20,  // 4 MiB buffer -> 3 sub-tasks (4+4+2)
		NumBuffers: 2,
	})

	var starts, ends, transfers int
	var totalSize uint64
	for _, task := range tasks {
		switch task.Kind {
		case StartBuffer:
			starts++
		case EndBuffer:
			ends++
		case TransferBlock:
			transfers++
			totalSize += task.Span.Size
			if task.Span.Size > 4<<20 {
				t.Errorf("sub-task size %d exceeds buffer size", task.Span.Size)
			}
		}
	}
	if starts != 3 || ends != 3 || transfers != 3 {
		t.Fatalf("expected 3 start/transfer/end triples, got %d/%d/%d", starts, transfers, ends)
	}
	if totalSize != 10<<20 {
		t.Errorf("sub-tasks total %d bytes, want 10 MiB", totalSize)
	}
}
