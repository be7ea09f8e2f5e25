package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveServers updates the servers section of the config file. Comments
// and formatting in other sections are preserved by editing the yaml.Node
// tree instead of re-marshaling the whole config.
func SaveServers(configPath string, servers []ServerConfig) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	serversNode := buildServersNode(servers)

	if doc.Kind == 0 {
		// Empty or new file.
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: "servers"},
						serversNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == "servers" {
					root.Content[i+1] = serversNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: "servers"},
					serversNode,
				)
			}
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// AddServer appends a server entry and saves. Fails on duplicate URLs.
func AddServer(configPath string, newServer ServerConfig, existing []ServerConfig) error {
	for _, s := range existing {
		if s.URL == newServer.URL {
			return fmt.Errorf("server %s already configured", newServer.URL)
		}
	}
	return SaveServers(configPath, append(existing, newServer))
}

// RemoveServer deletes the server with the given URL and saves.
func RemoveServer(configPath string, serverURL string, existing []ServerConfig) error {
	updated := make([]ServerConfig, 0, len(existing))
	for _, s := range existing {
		if s.URL != serverURL {
			updated = append(updated, s)
		}
	}
	if len(updated) == len(existing) {
		return fmt.Errorf("server %s not found in config", serverURL)
	}
	return SaveServers(configPath, updated)
}

// buildServersNode creates a yaml.Node representing the servers array.
// Zero-valued optional fields are omitted so saved configs stay tidy.
func buildServersNode(servers []ServerConfig) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(servers)),
	}

	for _, s := range servers {
		entry := &yaml.Node{Kind: yaml.MappingNode}

		appendScalar(entry, "url", s.URL)
		if len(s.Headers) > 0 {
			headers := &yaml.Node{Kind: yaml.MappingNode}
			for k, v := range s.Headers {
				appendScalar(headers, k, v)
			}
			entry.Content = append(entry.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "headers"}, headers)
		}
		if s.Username != "" {
			appendScalar(entry, "username", s.Username)
			appendScalar(entry, "password", s.Password)
		}
		if s.BearerToken != "" {
			appendScalar(entry, "bearer_token", s.BearerToken)
		}
		if s.WSTimeout > 0 {
			appendScalar(entry, "ws_timeout", s.WSTimeout.String())
		}
		if rc := s.Reconnect; rc != (ReconnectConfig{}) {
			recon := &yaml.Node{Kind: yaml.MappingNode}
			if rc.MaxAttempts > 0 {
				appendScalar(recon, "max_attempts", fmt.Sprintf("%d", rc.MaxAttempts))
			}
			if rc.BaseDelay > 0 {
				appendScalar(recon, "base_delay", rc.BaseDelay.String())
			}
			if rc.MaxDelay > 0 {
				appendScalar(recon, "max_delay", rc.MaxDelay.String())
			}
			if rc.Strategy != "" {
				appendScalar(recon, "strategy", rc.Strategy)
			}
			if rc.JitterPercent > 0 {
				appendScalar(recon, "jitter_percent", fmt.Sprintf("%d", rc.JitterPercent))
			}
			entry.Content = append(entry.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "reconnect"}, recon)
		}

		node.Content = append(node.Content, entry)
	}

	return node
}

func appendScalar(m *yaml.Node, key, value string) {
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Value: value},
	)
}

// writeAtomic writes via a temp file in the same directory plus rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".comfyfleet.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
