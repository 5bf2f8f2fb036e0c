// Package taskgen decomposes an (N tensors × M blocks) transfer plan into a
// sequence of staging-buffer-sized tasks with explicit start/transfer/end
// boundaries, ready for the buffer transfer service to execute in order.
package taskgen

import "github.com/ehrlich-b/datadist/internal/constants"

// Kind distinguishes the three task shapes the generator emits.
type Kind int

const (
	StartBuffer Kind = iota
	TransferBlock
	EndBuffer
)

// BlockSpan describes one (possibly coalesced) run of blocks to transfer
// into a buffer.
type BlockSpan struct {
	BufferBlockStart uint64 // offset within the buffer, in blocks
	TensorOffset     uint64 // byte offset within the tensor this span starts at
	TensorIndex      int
	Size             uint64 // bytes, sum of the coalesced run
}

// Task is one step in the generated plan.
type Task struct {
	Kind        Kind
	BufferIndex int
	Span        BlockSpan
}

// Params configures a single Generate call.
type Params struct {
	NumTensors       int
	Blocks           []int  // block indices to transfer, per tensor (same set for every tensor)
	BlockSize        uint64 // bytes per block
	BufferSize       uint64 // bytes per staging buffer
	NumBuffers       int
	MaxCoalescedSpan uint64 // defaults to constants.DefaultMaxCoalescedSpan if zero
	MaxSubTasks      int    // defaults to constants.MaxContiguousSubTasks if zero

	// PeerBufferBlockNums, when non-empty, paces buffer boundaries against
	// the peer's own per-buffer block counts in addition to this side's
	// BufferSize: a buffer closes as soon as either side's capacity for it
	// is reached. Consumed in generation order (one entry per buffer
	// closed), not indexed by physical buffer slot. See
	// GenerateForClientBlocks.
	PeerBufferBlockNums []uint64
}

func (p *Params) normalize() {
	if p.MaxCoalescedSpan == 0 {
		p.MaxCoalescedSpan = constants.DefaultMaxCoalescedSpan
	}
	if p.MaxSubTasks == 0 {
		p.MaxSubTasks = constants.MaxContiguousSubTasks
	}
}

// coalescedRun is an intermediate grouping of contiguous block indices
// before it is emitted as a Task.
type coalescedRun struct {
	startBlock int
	count      int
}

// coalesce merges consecutive block indices whose running byte span stays
// within maxSpan into single runs.
func coalesce(blocks []int, blockSize, maxSpan uint64) []coalescedRun {
	var runs []coalescedRun
	i := 0
	for i < len(blocks) {
		run := coalescedRun{startBlock: blocks[i], count: 1}
		size := blockSize
		j := i + 1
		for j < len(blocks) && blocks[j] == blocks[j-1]+1 && size+blockSize <= maxSpan {
			run.count++
			size += blockSize
			j++
		}
		runs = append(runs, run)
		i = j
	}
	return runs
}

// Generate builds the task sequence described in Params. Blocks whose size
// exceeds the buffer are split into ceil(blockSize/bufferSize) sub-tasks,
// each its own start/transfer/end triple, cycling through the buffer slots. If
// p.PeerBufferBlockNums is set, this delegates to GenerateForClientBlocks so
// buffer boundaries also respect the peer's own buffer capacity.
func Generate(p Params) []Task {
	p.normalize()
	if len(p.PeerBufferBlockNums) > 0 {
		return GenerateForClientBlocks(p)
	}
	if p.BlockSize > p.BufferSize {
		return generateOversizedBlocks(p)
	}

	blocksPerBuffer := p.BufferSize / p.BlockSize
	runs := coalesce(p.Blocks, p.BlockSize, p.MaxCoalescedSpan)

	var tasks []Task
	for t := 0; t < p.NumTensors; t++ {
		bufferIdx := 0
		blocksInBuffer := uint64(0)
		subTasksInBuffer := 0
		open := false

		closeBuffer := func() {
			if open {
				tasks = append(tasks, Task{Kind: EndBuffer, BufferIndex: bufferIdx})
				bufferIdx = (bufferIdx + 1) % p.NumBuffers
				blocksInBuffer = 0
				subTasksInBuffer = 0
				open = false
			}
		}

		for _, run := range runs {
			runSize := uint64(run.count) * p.BlockSize
			runBlocks := uint64(run.count)

			if !open {
				tasks = append(tasks, Task{Kind: StartBuffer, BufferIndex: bufferIdx})
				open = true
			}

			tasks = append(tasks, Task{
				Kind:        TransferBlock,
				BufferIndex: bufferIdx,
				Span: BlockSpan{
					BufferBlockStart: blocksInBuffer,
					TensorOffset:     uint64(run.startBlock) * p.BlockSize,
					TensorIndex:      t,
					Size:             runSize,
				},
			})
			blocksInBuffer += runBlocks
			subTasksInBuffer++

			if blocksInBuffer >= blocksPerBuffer || subTasksInBuffer >= p.MaxSubTasks {
				closeBuffer()
			}
		}
		closeBuffer()
	}
	return tasks
}

// GenerateForClientBlocks is Generate's peer-paced variant: a buffer
// boundary closes as soon as either this side's own BufferSize or the
// peer's buffer-block count for that buffer is reached, so a client never
// fills a local staging buffer past what the remote side's matching buffer
// can hold. Grounded in DataTransferTaskGenerator::DoGenerateForClientBlocks
// and GetNextBufBlockNum
// (src/llm_datadist/data_transfer/d2h_data_transfer_job.cc): DoGenerate is
// first run against the peer's own block indices to derive its per-buffer
// block counts, which GetNextBufBlockNum then hands out one buffer at a
// time as this side's generation closes each of its own buffers.
func GenerateForClientBlocks(p Params) []Task {
	p.normalize()
	if len(p.PeerBufferBlockNums) == 0 {
		return Generate(p)
	}
	if p.BlockSize > p.BufferSize {
		return generateOversizedBlocks(p)
	}

	blocksPerBuffer := p.BufferSize / p.BlockSize
	runs := coalesce(p.Blocks, p.BlockSize, p.MaxCoalescedSpan)

	bufTaskIdx := 0
	peerCap := p.PeerBufferBlockNums[0]
	nextPeerCap := func() uint64 {
		bufTaskIdx++
		if bufTaskIdx < len(p.PeerBufferBlockNums) {
			return p.PeerBufferBlockNums[bufTaskIdx]
		}
		return peerCap // out of entries: GetNextBufBlockNum leaves the count unchanged
	}

	var tasks []Task
	for t := 0; t < p.NumTensors; t++ {
		bufferIdx := 0
		blocksInBuffer := uint64(0)
		subTasksInBuffer := 0
		open := false

		closeBuffer := func() {
			if open {
				tasks = append(tasks, Task{Kind: EndBuffer, BufferIndex: bufferIdx})
				bufferIdx = (bufferIdx + 1) % p.NumBuffers
				blocksInBuffer = 0
				subTasksInBuffer = 0
				open = false
				peerCap = nextPeerCap()
			}
		}

		for _, run := range runs {
			runBlocks := uint64(run.count)

			if !open {
				tasks = append(tasks, Task{Kind: StartBuffer, BufferIndex: bufferIdx})
				open = true
			}

			tasks = append(tasks, Task{
				Kind:        TransferBlock,
				BufferIndex: bufferIdx,
				Span: BlockSpan{
					BufferBlockStart: blocksInBuffer,
					TensorOffset:     uint64(run.startBlock) * p.BlockSize,
					TensorIndex:      t,
					Size:             runBlocks * p.BlockSize,
				},
			})
			blocksInBuffer += runBlocks
			subTasksInBuffer++

			limit := blocksPerBuffer
			if peerCap < limit {
				limit = peerCap
			}
			if blocksInBuffer >= limit || subTasksInBuffer >= p.MaxSubTasks {
				closeBuffer()
			}
		}
		closeBuffer()
	}
	return tasks
}

// generateOversizedBlocks handles the case where a single block is larger
// than the staging buffer: each block is split into ceil(size/buffer)
// sub-tasks, each its own start/transfer/end triple.
func generateOversizedBlocks(p Params) []Task {
	var tasks []Task
	for t := 0; t < p.NumTensors; t++ {
		bufferIdx := 0
		for _, blockIdx := range p.Blocks {
			remaining := p.BlockSize
			offset := uint64(0)
			for remaining > 0 {
				chunk := p.BufferSize
				if chunk > remaining {
					chunk = remaining
				}
				tasks = append(tasks,
					Task{Kind: StartBuffer, BufferIndex: bufferIdx},
					Task{Kind: TransferBlock, BufferIndex: bufferIdx, Span: BlockSpan{
						TensorOffset: uint64(blockIdx)*p.BlockSize + offset,
						TensorIndex:  t,
						Size:         chunk,
					}},
					Task{Kind: EndBuffer, BufferIndex: bufferIdx},
				)
				offset += chunk
				remaining -= chunk
				bufferIdx = (bufferIdx + 1) % p.NumBuffers
			}
		}
	}
	return tasks
}
