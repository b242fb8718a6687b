package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/telhawk-systems/telhawk-detect/internal/config"
)

// IndexManager maintains the signals index template.
type IndexManager struct {
	client *Client
	index  string
	cfg    config.OpenSearchConfig
}

func NewIndexManager(client *Client, signalsIndex string, cfg config.OpenSearchConfig) *IndexManager {
	return &IndexManager{client: client, index: signalsIndex, cfg: cfg}
}

// TemplateName returns the name of the signals index template.
func (m *IndexManager) TemplateName() string {
	return m.index + "-template"
}

// EnsureSignalsIndex creates or updates the signals index template.
func (m *IndexManager) EnsureSignalsIndex(ctx context.Context) error {
	body, err := json.Marshal(m.template())
	if err != nil {
		return err
	}

	osc := m.client.OpenSearch()
	res, err := osc.Indices.PutIndexTemplate(
		m.TemplateName(),
		bytes.NewReader(body),
		osc.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func (m *IndexManager) template() map[string]interface{} {
	return map[string]interface{}{
		"index_patterns": []string{m.index + "*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   m.cfg.ShardCount,
				"number_of_replicas": m.cfg.ReplicaCount,
				"refresh_interval":   m.cfg.RefreshInterval,
			},
			"mappings": signalMappings(),
		},
		"priority": 200,
	}
}

func keyword() map[string]interface{} {
	return map[string]interface{}{"type": "keyword"}
}

func ancestorMapping() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"rule":  keyword(),
			"id":    keyword(),
			"type":  keyword(),
			"index": keyword(),
			"depth": map[string]interface{}{"type": "integer"},
		},
	}
}

func signalMappings() map[string]interface{} {
	return map[string]interface{}{
		"dynamic": true,
		"properties": map[string]interface{}{
			"@timestamp": map[string]interface{}{"type": "date"},
			"signal": map[string]interface{}{
				"properties": map[string]interface{}{
					"id":            keyword(),
					"status":        keyword(),
					"original_time": map[string]interface{}{"type": "date"},
					"parent":        ancestorMapping(),
					"ancestors":     ancestorMapping(),
					"rule": map[string]interface{}{
						"properties": map[string]interface{}{
							"id":          keyword(),
							"rule_id":     keyword(),
							"name":        keyword(),
							"description": map[string]interface{}{"type": "text"},
							"severity":    keyword(),
							"risk_score":  map[string]interface{}{"type": "float"},
							"query":       map[string]interface{}{"type": "text"},
							"language":    keyword(),
							"index":       keyword(),
							"max_signals": map[string]interface{}{"type": "integer"},
							"interval":    keyword(),
							"from":        keyword(),
							"tags":        keyword(),
							"throttle":    keyword(),
							"enabled":     map[string]interface{}{"type": "boolean"},
							"immutable":   map[string]interface{}{"type": "boolean"},
							"version":     map[string]interface{}{"type": "integer"},
							"created_at":  map[string]interface{}{"type": "date"},
							"updated_at":  map[string]interface{}{"type": "date"},
							"created_by":  keyword(),
							"updated_by":  keyword(),
							"actions": map[string]interface{}{
								"type":    "object",
								"enabled": false,
							},
						},
					},
				},
			},
		},
	}
}
