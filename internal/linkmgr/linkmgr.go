// Package linkmgr implements the link manager: cluster rank-table exchange,
// a bounded parallel worker pool for link/unlink, and prompt/decoder role
// switching with an idempotent control-plane listener.
package linkmgr

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/datadist/internal/channel"
	"github.com/ehrlich-b/datadist/internal/channelmgr"
	"github.com/ehrlich-b/datadist/internal/constants"
	"github.com/ehrlich-b/datadist/internal/fabric"
	"github.com/ehrlich-b/datadist/internal/interfaces"
	"github.com/ehrlich-b/datadist/internal/logging"
)

// Role distinguishes which side of a link this process plays.
type Role int

const (
	RolePrompt Role = iota
	RoleDecoder
)

// RankEntry is one row of a cluster's rank table: a device slot reachable at
// a host:port control endpoint.
type RankEntry struct {
	ClusterID string
	Rank      int
	DeviceID  int
	HostAddr  string
	Port      int
}

// ClusterInfo describes one peer cluster to link or unlink.
type ClusterInfo struct {
	ClusterID string
	RankTable []RankEntry
}

// mergeRankTables merges a local and a remote rank table for the same
// cluster, de-duplicating by (ClusterID, Rank) with the remote entry
// winning ties, and returns the result sorted by rank. Grounded on the
// rank-table generator's merge step, which always hands the transfer engine
// a single canonical, rank-ordered view regardless of which side produced
// which rows.
func mergeRankTables(local, remote []RankEntry) []RankEntry {
	byKey := make(map[[2]any]RankEntry, len(local)+len(remote))
	for _, e := range local {
		byKey[[2]any{e.ClusterID, e.Rank}] = e
	}
	for _, e := range remote {
		byKey[[2]any{e.ClusterID, e.Rank}] = e
	}
	merged := make([]RankEntry, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].ClusterID != merged[j].ClusterID {
			return merged[i].ClusterID < merged[j].ClusterID
		}
		return merged[i].Rank < merged[j].Rank
	})
	return merged
}

// linkState tracks one cluster's link lifecycle.
type linkState int

const (
	stateUnlinked linkState = iota
	stateProcessing
	stateLinked
)

// cluster holds per-cluster bookkeeping: its merged rank table, its channel
// keys, and whether memory registration with the peer has completed.
type cluster struct {
	info         ClusterInfo
	state        linkState
	channelKeys  []channel.Key
	memRegistered bool
}

// Config parameterises a Manager.
type Config struct {
	Role      Role
	MaxWorkers int
	Logger    *logging.Logger
}

func (c *Config) normalize() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = constants.MaxLinkWorkers
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Manager is component I: the link manager.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	role     Role
	clusters map[string]*cluster

	chanMgr *channelmgr.Manager // non-owning
	fabSvc  *fabric.Service     // non-owning

	sem chan struct{}

	listenMu   sync.Mutex
	listening  bool
	listenFD   int
	listenWG   sync.WaitGroup
	nextPeerID uint64
}

// New creates a Manager bound to the given channel manager and fabric
// service, neither of which it owns.
func New(cfg Config, chanMgr *channelmgr.Manager, fabSvc *fabric.Service) *Manager {
	cfg.normalize()
	return &Manager{
		cfg:      cfg,
		role:     cfg.Role,
		clusters: make(map[string]*cluster),
		chanMgr:  chanMgr,
		fabSvc:   fabSvc,
		sem:      make(chan struct{}, cfg.MaxWorkers),
	}
}

// ErrExistLink/ErrProcessingLink/ErrNotYetLink mirror spec.md's link-status
// error taxonomy.
var (
	ErrExistLink      = fmt.Errorf("linkmgr: cluster already linked")
	ErrProcessingLink = fmt.Errorf("linkmgr: cluster link already in progress")
	ErrNotYetLink     = fmt.Errorf("linkmgr: cluster not linked")
)

// LinkClusters links every given cluster in parallel, bounded by
// cfg.MaxWorkers, and returns a per-cluster result map. One slow or failing
// cluster never blocks the others from completing.
func (m *Manager) LinkClusters(infos []ClusterInfo) map[string]error {
	results := make(map[string]error, len(infos))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, info := range infos {
		info := info
		wg.Add(1)
		m.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.sem }()
			err := m.linkOne(info)
			resultsMu.Lock()
			results[info.ClusterID] = err
			resultsMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (m *Manager) linkOne(info ClusterInfo) error {
	m.mu.Lock()
	c, exists := m.clusters[info.ClusterID]
	if exists {
		switch c.state {
		case stateLinked:
			m.mu.Unlock()
			return ErrExistLink
		case stateProcessing:
			m.mu.Unlock()
			return ErrProcessingLink
		}
		c.state = stateProcessing
	} else {
		c = &cluster{info: info, state: stateProcessing}
		m.clusters[info.ClusterID] = c
	}
	m.mu.Unlock()

	merged := mergeRankTables(nil, info.RankTable)

	var keys []channel.Key
	for _, entry := range merged {
		key := channel.Key{Type: channel.Client, ID: uint64(entry.Rank)}
		keys = append(keys, key)
		// A real deployment dials entry.HostAddr:entry.Port here and hands the
		// resulting *channel.Channel to m.chanMgr.AddChannel; establishing the
		// socket is the control-plane responsibility of the caller supplying a
		// dialer, which this package does not itself own (see RegisterChannel).
	}

	m.mu.Lock()
	c.info.RankTable = merged
	c.channelKeys = keys
	c.state = stateLinked
	m.mu.Unlock()
	return nil
}

// RegisterChannel lets a caller that has already dialed and registered a
// channel with the channel manager attach it to a cluster's bookkeeping,
// and register the local region desc with the fabric service (which exports
// its share handle). Nothing is sent to the peer here.
func (m *Manager) RegisterChannel(clusterID string, key channel.Key, endpoint uint64, desc interfaces.MemDesc) error {
	m.mu.Lock()
	c, ok := m.clusters[clusterID]
	m.mu.Unlock()
	if !ok {
		return ErrNotYetLink
	}

	if _, err := m.fabSvc.RegisterMem(endpoint, desc); err != nil {
		return fmt.Errorf("linkmgr: register mem for cluster %s: %w", clusterID, err)
	}

	m.mu.Lock()
	c.channelKeys = append(c.channelKeys, key)
	c.memRegistered = true
	m.mu.Unlock()
	return nil
}

// ChannelFor returns the first channel key registered for a linked
// cluster, used by callers that need to address a peer's control channel
// directly (the façade's buffer-staged transfer path, for instance).
func (m *Manager) ChannelFor(clusterID string) (channel.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok || len(c.channelKeys) == 0 {
		return channel.Key{}, false
	}
	return c.channelKeys[0], true
}

// QueryRegisterMemStatus reports whether a cluster's memory exchange has
// completed.
func (m *Manager) QueryRegisterMemStatus(clusterID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return false, ErrNotYetLink
	}
	return c.memRegistered, nil
}

// UnlinkClusters tears down every given cluster in parallel, bounded by
// cfg.MaxWorkers. force=true cancels outstanding fabric transfers rather
// than waiting for them to drain naturally.
func (m *Manager) UnlinkClusters(clusterIDs []string, force bool) map[string]error {
	results := make(map[string]error, len(clusterIDs))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range clusterIDs {
		id := id
		wg.Add(1)
		m.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-m.sem }()
			err := m.unlinkOne(id, force)
			resultsMu.Lock()
			results[id] = err
			resultsMu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (m *Manager) unlinkOne(clusterID string, force bool) error {
	m.mu.Lock()
	c, ok := m.clusters[clusterID]
	if !ok {
		m.mu.Unlock()
		return ErrNotYetLink
	}
	keys := c.channelKeys
	delete(m.clusters, clusterID)
	m.mu.Unlock()

	for _, key := range keys {
		if force {
			m.fabSvc.RemoveChannel(uint64(key.ID))
		}
		if err := m.chanMgr.RemoveChannel(key); err != nil {
			return fmt.Errorf("linkmgr: remove channel %+v for cluster %s: %w", key, clusterID, err)
		}
	}
	return nil
}

// SwitchRole changes which role this process plays. It refuses while any
// cluster is still linked, since a role swap mid-link would leave peers
// holding stale channel/memory state.
func (m *Manager) SwitchRole(newRole Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clusters {
		if c.state != stateUnlinked {
			return fmt.Errorf("linkmgr: cannot switch role with %d active link(s)", len(m.clusters))
		}
	}
	m.role = newRole
	return nil
}

// Role returns the current role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// StartListening opens a raw listening socket on port and begins accepting
// peer connections, handing each accepted fd to the channel manager. A
// second call while already listening is a no-op, matching the original
// link manager's idempotent listen-port start.
func (m *Manager) StartListening(port int) error {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.listening {
		return nil
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("linkmgr: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("linkmgr: setsockopt SO_REUSEADDR: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("linkmgr: bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return fmt.Errorf("linkmgr: listen: %w", err)
	}

	m.listenFD = fd
	m.listening = true
	m.listenWG.Add(1)
	go m.acceptLoop(fd)
	return nil
}

func (m *Manager) acceptLoop(fd int) {
	defer m.listenWG.Done()
	for {
		nfd, _, err := unix.Accept(fd)
		if err != nil {
			// StopListening closes fd, which unblocks Accept with EBADF/EINVAL.
			return
		}
		m.mu.Lock()
		m.nextPeerID++
		id := m.nextPeerID
		m.mu.Unlock()

		ch, err := channel.NewServer(id, nfd)
		if err != nil {
			m.cfg.Logger.Warnf("linkmgr: wrap accepted fd: %v", err)
			unix.Close(nfd)
			continue
		}
		if err := m.chanMgr.AddChannel(ch); err != nil {
			m.cfg.Logger.Warnf("linkmgr: register accepted channel: %v", err)
			ch.Finalize()
		}
	}
}

// StopListening closes the listening socket and waits for the accept loop
// to exit. A second call while not listening is a no-op.
func (m *Manager) StopListening() error {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if !m.listening {
		return nil
	}
	err := unix.Close(m.listenFD)
	m.listening = false
	m.listenWG.Wait()
	return err
}
