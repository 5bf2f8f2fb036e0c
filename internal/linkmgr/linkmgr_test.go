package linkmgr

import (
	"testing"

	"github.com/ehrlich-b/datadist/internal/channelmgr"
	"github.com/ehrlich-b/datadist/internal/fabric"
	"github.com/ehrlich-b/datadist/internal/simfabric"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	chanMgr, err := channelmgr.New(channelmgr.Config{})
	if err != nil {
		t.Fatalf("new channel manager: %v", err)
	}
	t.Cleanup(func() { chanMgr.Stop() })

	arena := simfabric.NewArena(4096)
	rt := simfabric.NewRuntime(arena)
	fb := simfabric.NewFabric(arena)
	fabSvc := fabric.New(rt, fb, 4)

	return New(Config{Role: RolePrompt}, chanMgr, fabSvc)
}

func TestMergeRankTablesDedupesAndSorts(t *testing.T) {
	local := []RankEntry{
		{ClusterID: "c1", Rank: 2, DeviceID: 2},
		{ClusterID: "c1", Rank: 0, DeviceID: 0},
	}
	remote := []RankEntry{
		{ClusterID: "c1", Rank: 0, DeviceID: 100}, // should win over local's rank 0
		{ClusterID: "c1", Rank: 1, DeviceID: 1},
	}
	merged := mergeRankTables(local, remote)
	if len(merged) != 3 {
		t.Fatalf("merged length = %d, want 3", len(merged))
	}
	for i, e := range merged {
		if e.Rank != i {
			t.Errorf("merged[%d].Rank = %d, want %d", i, e.Rank, i)
		}
	}
	if merged[0].DeviceID != 100 {
		t.Errorf("merged[0].DeviceID = %d, want remote's 100 to win the dedupe", merged[0].DeviceID)
	}
}

func TestLinkClustersRejectsDuplicateLink(t *testing.T) {
	m := newTestManager(t)
	info := ClusterInfo{ClusterID: "c1", RankTable: []RankEntry{{ClusterID: "c1", Rank: 0}}}

	results := m.LinkClusters([]ClusterInfo{info})
	if err := results["c1"]; err != nil {
		t.Fatalf("first link: %v", err)
	}

	results = m.LinkClusters([]ClusterInfo{info})
	if results["c1"] != ErrExistLink {
		t.Errorf("second link = %v, want ErrExistLink", results["c1"])
	}
}

func TestUnlinkClustersRejectsUnknownCluster(t *testing.T) {
	m := newTestManager(t)
	results := m.UnlinkClusters([]string{"never-linked"}, false)
	if results["never-linked"] != ErrNotYetLink {
		t.Errorf("unlink unknown = %v, want ErrNotYetLink", results["never-linked"])
	}
}

func TestSwitchRoleRefusesWithActiveLinks(t *testing.T) {
	m := newTestManager(t)
	info := ClusterInfo{ClusterID: "c1", RankTable: []RankEntry{{ClusterID: "c1", Rank: 0}}}
	m.LinkClusters([]ClusterInfo{info})

	if err := m.SwitchRole(RoleDecoder); err == nil {
		t.Fatal("expected SwitchRole to refuse while a cluster is linked")
	}

	m.UnlinkClusters([]string{"c1"}, false)
	if err := m.SwitchRole(RoleDecoder); err != nil {
		t.Fatalf("SwitchRole after unlink: %v", err)
	}
	if m.Role() != RoleDecoder {
		t.Errorf("role = %v, want RoleDecoder", m.Role())
	}
}

func TestStartStopListeningIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	if err := m.StartListening(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartListening(0); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}
	if err := m.StopListening(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := m.StopListening(); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}
