package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip protocol configuration
type Config struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Service shares this node's view building backlog with its peers and
// keeps the latest backlog reported by each of them
type Service struct {
	memberlist *memberlist.Memberlist
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.RWMutex
	local model.HealthStatus
	peers map[string]model.HealthStatus
}

func newService(nodeID string, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		local: model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
		peers: make(map[string]model.HealthStatus),
	}
}

// NewService joins the gossip cluster
func NewService(cfg *Config, nodeID string, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	s := newService(nodeID, m, logger)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", joined), zap.Error(err))
		}
	}

	return s, nil
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	data := s.localState()
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {
	s.mergePeer(data)
}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return s.localState()
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {
	s.mergePeer(buf)
}

func (s *Service) localState() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.local)
	return data
}

func (s *Service) mergePeer(data []byte) {
	if len(data) == 0 {
		return
	}

	var status model.HealthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("Failed to unmarshal gossip state", zap.Error(err))
		return
	}
	if status.NodeID == "" || status.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	if prev, ok := s.peers[status.NodeID]; !ok || prev.Timestamp <= status.Timestamp {
		s.peers[status.NodeID] = status
	}
	s.mu.Unlock()

	s.logger.Debug("Received peer backlog",
		zap.String("node_id", status.NodeID),
		zap.String("status", string(status.Status)),
		zap.Int("queued_files", status.Backlog.QueuedFiles))
	s.updateMetrics()
}

func (s *Service) removePeer(nodeID string) {
	s.mu.Lock()
	delete(s.peers, nodeID)
	s.mu.Unlock()
	s.updateMetrics()
}

// UpdateStatus publishes the local status and backlog
func (s *Service) UpdateStatus(status model.NodeStatus, backlog model.ViewBacklog) {
	s.mu.Lock()
	s.local.Status = status
	s.local.Backlog = backlog
	s.local.Timestamp = time.Now().Unix()
	s.mu.Unlock()

	if s.memberlist != nil {
		if err := s.memberlist.UpdateNode(time.Second); err != nil {
			s.logger.Debug("Failed to propagate node metadata", zap.Error(err))
		}
	}
}

// PeerBacklogs returns the latest status reported by each peer
func (s *Service) PeerBacklogs() map[string]model.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make(map[string]model.HealthStatus, len(s.peers))
	for id, status := range s.peers {
		peers[id] = status
	}
	return peers
}

func (s *Service) updateMetrics() {
	if s.metrics == nil {
		return
	}

	s.mu.RLock()
	queued := make(map[string]int, len(s.peers))
	for id, status := range s.peers {
		queued[id] = status.Backlog.QueuedFiles
	}
	s.mu.RUnlock()

	members := len(queued) + 1
	if s.memberlist != nil {
		members = s.memberlist.NumMembers()
	}
	s.metrics.UpdateGossipStats(members, queued)
}

// Shutdown leaves the cluster and stops gossiping
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.mergePeer(node.Meta)
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.removePeer(node.Name)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.mergePeer(node.Meta)
}
