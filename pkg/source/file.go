package source

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/easzlab/ezwatch/pkg/rules"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileRule is the on-disk form of one exported rule. JSON exports decode
// through the same YAML parser.
type fileRule struct {
	ID          string `yaml:"id"`
	Grouping    string `yaml:"grouping"`
	Enabled     *bool  `yaml:"enabled"`
	Direction   string `yaml:"direction"`
	Action      string `yaml:"action"`
	Protocol    string `yaml:"protocol"`
	LocalPorts  string `yaml:"local_ports"`
	RemotePorts string `yaml:"remote_ports"`
	Profiles    string `yaml:"profiles"`
	Application string `yaml:"application"`
	Service     string `yaml:"service"`
	Description string `yaml:"description"`
}

// fileDocument accepts either a bare list of rules or a {rules: [...]} mapping.
type fileDocument struct {
	Rules []fileRule `yaml:"rules"`
}

// FileSource reads rules from a YAML or JSON export, such as a rule dump
// produced by another host's firewall tooling.
type FileSource struct {
	path   string
	logger *zap.Logger
}

// NewFileSource creates a FileSource reading path on every enumeration.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Name implements Source.
func (s *FileSource) Name() string {
	return "file"
}

// Path returns the export file being read.
func (s *FileSource) Path() string {
	return s.path
}

// ListRules implements Source.
func (s *FileSource) ListRules(ctx context.Context) (Enumeration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule export %s: %w", s.path, err)
	}

	entries, err := decodeRuleExport(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule export %s: %w", s.path, err)
	}

	nativeRules := make([]rules.NativeRule, 0, len(entries))
	for i, entry := range entries {
		if entry.ID == "" {
			s.logger.Debug("skipping exported rule without id", zap.Int("index", i))
			continue
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		nativeRules = append(nativeRules, rules.NativeRule{
			Name:        entry.ID,
			Grouping:    entry.Grouping,
			Enabled:     enabled,
			Direction:   entry.Direction,
			Action:      entry.Action,
			Protocol:    entry.Protocol,
			LocalPorts:  entry.LocalPorts,
			RemotePorts: entry.RemotePorts,
			Profiles:    entry.Profiles,
			Application: entry.Application,
			Service:     entry.Service,
			Description: entry.Description,
		})
	}

	return NewEnumeration(nativeRules, nil), nil
}

func decodeRuleExport(data []byte) ([]fileRule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []fileRule
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var doc fileDocument
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}
