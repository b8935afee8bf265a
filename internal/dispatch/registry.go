package dispatch

import (
	"sort"
	"strings"
	"time"

	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
)

// Registry 平台到执行节点的路由表
type Registry struct {
	nodes map[string]*NodeClient
}

// NewRegistry 按 平台→URL 映射组装节点客户端
func NewRegistry(urls map[string]string, timeout time.Duration) *Registry {
	nodes := make(map[string]*NodeClient, len(urls))
	for platform, baseURL := range urls {
		p := strings.ToUpper(platform)
		nodes[p] = NewNodeClient(p, baseURL, timeout)
	}
	return &Registry{nodes: nodes}
}

// Get 取平台对应的节点
func (r *Registry) Get(platform string) (*NodeClient, error) {
	node, ok := r.nodes[strings.ToUpper(platform)]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeUnknownPlatform, "未配置平台 %s 的执行节点", platform)
	}
	return node, nil
}

// Platforms 已配置的平台列表
func (r *Registry) Platforms() []string {
	platforms := make([]string, 0, len(r.nodes))
	for p := range r.nodes {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}
