package gossip

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService() *Service {
	return newService("node-a", metrics.NewMetrics("node-a", prometheus.NewRegistry()), zap.NewNop())
}

func peerState(t *testing.T, nodeID string, ts int64, queued int) []byte {
	t.Helper()
	data, err := json.Marshal(model.HealthStatus{
		NodeID:    nodeID,
		Status:    model.NodeStatusHealthy,
		Timestamp: ts,
		Backlog:   model.ViewBacklog{QueuedFiles: queued},
	})
	require.NoError(t, err)
	return data
}

func TestNodeMeta_CarriesBacklog(t *testing.T) {
	s := newTestService()
	s.UpdateStatus(model.NodeStatusDegraded, model.ViewBacklog{QueuedFiles: 7, AvailablePermits: -2, Throttled: true})

	var status model.HealthStatus
	require.NoError(t, json.Unmarshal(s.NodeMeta(512), &status))
	assert.Equal(t, "node-a", status.NodeID)
	assert.Equal(t, model.NodeStatusDegraded, status.Status)
	assert.Equal(t, 7, status.Backlog.QueuedFiles)
	assert.True(t, status.Backlog.Throttled)

	assert.Nil(t, s.NodeMeta(4), "metadata that does not fit is not truncated")
}

func TestMergeRemoteState_KeepsNewestPerPeer(t *testing.T) {
	s := newTestService()

	s.MergeRemoteState(peerState(t, "node-b", 10, 3), false)
	s.NotifyMsg(peerState(t, "node-b", 5, 99))
	s.MergeRemoteState(peerState(t, "node-c", 10, 1), true)
	s.MergeRemoteState(peerState(t, "node-a", 20, 42), false)
	s.MergeRemoteState([]byte("not json"), false)

	peers := s.PeerBacklogs()
	require.Len(t, peers, 2)
	assert.Equal(t, 3, peers["node-b"].Backlog.QueuedFiles)
	assert.Equal(t, 1, peers["node-c"].Backlog.QueuedFiles)
}

func TestEventDelegate_TracksMembership(t *testing.T) {
	s := newTestService()
	events := &eventDelegate{service: s}

	node := &memberlist.Node{Name: "node-b", Addr: net.ParseIP("10.0.0.2"), Port: 7946, Meta: peerState(t, "node-b", 1, 4)}
	events.NotifyJoin(node)
	assert.Equal(t, 4, s.PeerBacklogs()["node-b"].Backlog.QueuedFiles)

	node.Meta = peerState(t, "node-b", 2, 0)
	events.NotifyUpdate(node)
	assert.Equal(t, 0, s.PeerBacklogs()["node-b"].Backlog.QueuedFiles)

	events.NotifyLeave(node)
	assert.Empty(t, s.PeerBacklogs())
}

func TestLocalState_RoundTripsBetweenNodes(t *testing.T) {
	a := newTestService()
	b := newService("node-b", nil, zap.NewNop())
	b.UpdateStatus(model.NodeStatusHealthy, model.ViewBacklog{QueuedFiles: 2, PendingRelocate: 1})

	a.MergeRemoteState(b.LocalState(true), true)
	assert.Equal(t, 1, a.PeerBacklogs()["node-b"].Backlog.PendingRelocate)
}
