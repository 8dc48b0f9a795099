package web

import (
	"log"
	"net/http"

	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

const nodeInfoSchema20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"

// NodeInfo20 represents the NodeInfo 2.0 schema
// See: https://nodeinfo.diaspora.software/schema.html
type NodeInfo20 struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          NodeInfoMetadata `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfyear int `json:"activeHalfyear"`
}

type NodeInfoMetadata struct {
	NodeName        string `json:"nodeName"`
	NodeDescription string `json:"nodeDescription"`
}

// WellKnownNodeInfo represents the /.well-known/nodeinfo response
type WellKnownNodeInfo struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// countOrZero logs a failed statistic and reports it as zero
func countOrZero(what string, n int, err error) int {
	if err != nil {
		log.Printf("Failed to count %s: %v", what, err)
		return 0
	}
	return n
}

// NodeInfo collects the instance statistics published at /nodeinfo/2.0
func (s *Server) NodeInfo() NodeInfo20 {
	total, err := s.store.CountPublishers()
	total = countOrZero("publishers", total, err)
	month, err := s.store.CountActivePublishers(30)
	month = countOrZero("active publishers (month)", month, err)
	halfyear, err := s.store.CountActivePublishers(180)
	halfyear = countOrZero("active publishers (half year)", halfyear, err)
	posts, err := s.store.CountPosts()
	posts = countOrZero("posts", posts, err)

	nodeName := s.conf.Conf.NodeName
	if nodeName == "" {
		nodeName = "Stegofed"
	}
	nodeDescription := s.conf.Conf.NodeDescription
	if nodeDescription == "" {
		nodeDescription = "A federated publishing node"
	}

	return NodeInfo20{
		Version:   "2.0",
		Software:  NodeInfoSoftware{Name: util.Name, Version: util.GetVersion()},
		Protocols: []string{"activitypub"},
		Services:  NodeInfoServices{Inbound: []string{}, Outbound: []string{"rss2.0"}},
		Usage: NodeInfoUsage{
			Users:      NodeInfoUsers{Total: total, ActiveMonth: month, ActiveHalfyear: halfyear},
			LocalPosts: posts,
		},
		OpenRegistrations: false,
		Metadata:          NodeInfoMetadata{NodeName: nodeName, NodeDescription: nodeDescription},
	}
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	c.Header("Content-Type", "application/json; profile=\""+nodeInfoSchema20+"#\"")
	c.JSON(http.StatusOK, s.NodeInfo())
}

func (s *Server) handleWellKnownNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, WellKnownNodeInfo{
		Links: []NodeInfoLink{
			{Rel: nodeInfoSchema20, Href: "https://" + s.urls.Domain + "/nodeinfo/2.0"},
		},
	})
}
