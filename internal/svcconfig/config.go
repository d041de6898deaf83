package svcconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the on-disk shellgo.yaml: daemon-wide settings plus
// the service list. The command reads only Services; the daemon-wide
// fields are parsed but not applied.
type DaemonConfig struct {
	Port            int         `yaml:"port,omitempty"`
	LocalhostOnly   bool        `yaml:"localhost_only,omitempty"`
	CertDir         string      `yaml:"cert_dir,omitempty"`
	DisableSSL      bool        `yaml:"disable_ssl,omitempty"`
	DisableSSLMenu  bool        `yaml:"disable_ssl_menu,omitempty"`
	NoBeep          bool        `yaml:"no_beep,omitempty"`
	Linkify         string      `yaml:"linkify,omitempty"` // none|normal|aggressive
	User            string      `yaml:"user,omitempty"`
	Group           string      `yaml:"group,omitempty"`
	Numeric         bool        `yaml:"numeric,omitempty"`
	CSS             string      `yaml:"css,omitempty"`
	Services        ServiceList `yaml:"services,omitempty"`
}

// ServiceList supports mixed YAML formats for each entry: a bare SPEC
// scalar string ("/:LOGIN") or an expanded mapping — the same
// scalar-or-mapping trick as the teacher's config.PathList.
type ServiceList []*Service

// UnmarshalYAML handles both scalar SPEC strings and mapping nodes in a
// YAML sequence.
func (sl *ServiceList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"svcconfig: services must be a sequence"}}
	}
	var result ServiceList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			svc, err := ParseSpec(item.Value)
			if err != nil {
				return err
			}
			result = append(result, svc)
		case yaml.MappingNode:
			var raw struct {
				Path    string `yaml:"path"`
				Policy  string `yaml:"policy"`
				Host    string `yaml:"host"`
				User    string `yaml:"user"`
				Group   string `yaml:"group"`
				Cwd     string `yaml:"cwd"`
				Cmdline string `yaml:"cmdline"`
			}
			if err := item.Decode(&raw); err != nil {
				return err
			}
			svc := &Service{
				Path:    normalizePath(raw.Path),
				Host:    raw.Host,
				User:    raw.User,
				Group:   raw.Group,
				Cwd:     raw.Cwd,
				Cmdline: raw.Cmdline,
			}
			switch raw.Policy {
			case "LOGIN":
				svc.Policy = PolicyLogin
			case "SSH":
				svc.Policy = PolicySSH
			case "AUTH":
				svc.Policy = PolicyAuth
			default:
				svc.Policy = PolicyUidGid
			}
			result = append(result, svc)
		}
	}
	*sl = result
	return nil
}

// MarshalYAML serializes a Service as a mapping; there is no scalar
// round-trip because the expanded SPEC grammar is lossy (e.g. numeric
// vs. named uid/gid).
func (s *Service) MarshalYAML() (any, error) {
	return struct {
		Path    string `yaml:"path"`
		Policy  string `yaml:"policy"`
		Host    string `yaml:"host,omitempty"`
		User    string `yaml:"user,omitempty"`
		Group   string `yaml:"group,omitempty"`
		Cwd     string `yaml:"cwd"`
		Cmdline string `yaml:"cmdline"`
	}{s.Path, s.Policy.String(), s.Host, s.User, s.Group, s.Cwd, s.Cmdline}, nil
}

// Load reads and parses a shellgo.yaml config file. A missing file is
// not an error — callers fall back to CLI-flag defaults.
func Load(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &DaemonConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
