package api

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// ===== MESSAGES =====

// SendRequest carries an outbound message
type SendRequest struct {
	Recipient string `json:"recipient" binding:"required"` // hex node id
	Content   string `json:"content" binding:"required"`   // base64
	Priority  string `json:"priority"`                     // normal, high, urgent
}

// SendResponse acknowledges message acceptance
type SendResponse struct {
	Success   bool   `json:"success"`
	Recipient string `json:"recipient"`
	Size      int    `json:"size"`
	Priority  string `json:"priority"`
}

// handleSend handles POST /api/v1/messages/send
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	recipient, err := protocol.NodeIDFromHex(req.Recipient)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid recipient",
			Message: "Recipient must be a 64-character hex node id",
		})
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid content",
			Message: "Content must be base64-encoded",
		})
		return
	}

	priority, err := parsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid priority",
			Message: err.Error(),
		})
		return
	}

	if err := s.node.SendMessage(recipient, content, priority); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Send failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SendResponse{
		Success:   true,
		Recipient: recipient.Hex(),
		Size:      len(content),
		Priority:  priority.String(),
	})
}

// handleRetry handles POST /api/v1/messages/:id/retry
func (s *Server) handleRetry(c *gin.Context) {
	id := c.Param("id")

	if err := s.node.RetryMessage(id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Retry failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Message scheduled for retry",
	})
}

// PriorityRequest changes a queued message's priority
type PriorityRequest struct {
	Priority string `json:"priority" binding:"required"`
}

// handlePriority handles PUT /api/v1/messages/:id/priority
func (s *Server) handlePriority(c *gin.Context) {
	id := c.Param("id")

	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	priority, err := parsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid priority",
			Message: err.Error(),
		})
		return
	}

	if err := s.node.SetPriority(id, priority); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Priority change failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("Priority set to %s", priority),
	})
}

// ReportRequest marks a message hash abusive or legitimate
type ReportRequest struct {
	Legitimate bool `json:"legitimate"`
}

// handleReport handles POST /api/v1/messages/:id/report
func (s *Server) handleReport(c *gin.Context) {
	var id protocol.MessageID
	raw, err := hex.DecodeString(c.Param("id"))
	if err != nil || len(raw) != len(id) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid message id",
			Message: "Message id must be a 32-character hex string",
		})
		return
	}
	copy(id[:], raw)

	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: err.Error(),
		})
		return
	}

	if req.Legitimate {
		s.node.SpamFilter().ReportLegitimate(id)
	} else {
		s.node.SpamFilter().ReportAbusive(id)
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: gin.H{
			"messageId":  id.Hex(),
			"trustScore": s.node.SpamFilter().TrustScore(id),
		},
	})
}

// handleQueueStats handles GET /api/v1/messages/queue
func (s *Server) handleQueueStats(c *gin.Context) {
	queue := s.node.Queue()
	if queue == nil {
		c.JSON(http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Node runs in-memory, no offline queue",
		})
		return
	}

	stats, err := queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Queue stats failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    stats,
	})
}

// ===== MESH =====

// PeerInfo describes one connected peer
type PeerInfo struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName"`
	TrustTier   string `json:"trustTier"`
}

// handlePeers handles GET /api/v1/mesh/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.ConnectedPeers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, PeerInfo{
			NodeID:      p.FirstContactID.Hex(),
			DisplayName: p.DisplayName,
			TrustTier:   p.TrustTier.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(infos),
		"peers":   infos,
	})
}

// ContactInfo describes one saved contact
type ContactInfo struct {
	FirstContactID string `json:"firstContactId"`
	DurableID      string `json:"durableId,omitempty"`
	DisplayName    string `json:"displayName"`
	TrustTier      string `json:"trustTier"`
	IsFavorite     bool   `json:"isFavorite"`
	LastSeen       int64  `json:"lastSeen"`
}

// handleContacts handles GET /api/v1/mesh/contacts
func (s *Server) handleContacts(c *gin.Context) {
	db := s.node.DB()
	if db == nil {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"count":    0,
			"contacts": []ContactInfo{},
		})
		return
	}

	contacts, err := db.AllContacts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Contact listing failed",
			Message: err.Error(),
		})
		return
	}

	infos := make([]ContactInfo, 0, len(contacts))
	for _, ct := range contacts {
		infos = append(infos, ContactInfo{
			FirstContactID: ct.FirstContactID,
			DurableID:      ct.DurableID,
			DisplayName:    ct.DisplayName,
			TrustTier:      ct.TrustTier.String(),
			IsFavorite:     ct.IsFavorite,
			LastSeen:       ct.LastSeen,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"count":    len(infos),
		"contacts": infos,
	})
}

// handleRelayStats handles GET /api/v1/mesh/relay
func (s *Server) handleRelayStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    s.node.RelayEngine().Stats(),
	})
}

// handleSpamStats handles GET /api/v1/mesh/spam
func (s *Server) handleSpamStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    s.node.SpamFilter().Stats(),
	})
}

// handleSeenStats handles GET /api/v1/mesh/seen
func (s *Server) handleSeenStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    s.node.SeenStore().Stats(),
	})
}

// ===== NODE =====

// NodeInfoResponse describes this node
type NodeInfoResponse struct {
	Success          bool    `json:"success"`
	NodeID           string  `json:"nodeId"`
	DisplayName      string  `json:"displayName"`
	ConnectedPeers   int     `json:"connectedPeers"`
	KnownPeers       int     `json:"knownPeers"`
	NetworkSize      int     `json:"estimatedNetworkSize"`
	RelayProbability float64 `json:"relayProbability"`
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:          true,
		NodeID:           s.node.ID().Hex(),
		DisplayName:      s.node.DisplayName(),
		ConnectedPeers:   len(s.node.ConnectedPeers()),
		KnownPeers:       s.node.Resolver().Len(),
		NetworkSize:      s.node.FloodControl().NetworkSize(),
		RelayProbability: s.node.FloodControl().RelayProbability(),
	})
}

// handleNodeStats handles GET /api/v1/node/stats
func (s *Server) handleNodeStats(c *gin.Context) {
	stats := gin.H{
		"relay": s.node.RelayEngine().Stats(),
		"seen":  s.node.SeenStore().Stats(),
		"spam":  s.node.SpamFilter().Stats(),
	}

	if queue := s.node.Queue(); queue != nil {
		if qs, err := queue.Stats(); err == nil {
			stats["queue"] = qs
		}
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    stats,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"nodeId":    s.node.ID().Hex(),
		"timestamp": time.Now().Unix(),
	})
}

func parsePriority(s string) (protocol.Priority, error) {
	switch s {
	case "", "normal":
		return protocol.PriorityNormal, nil
	case "high":
		return protocol.PriorityHigh, nil
	case "urgent":
		return protocol.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}
