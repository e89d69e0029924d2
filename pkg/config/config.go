package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/clusterfs/snaptool/pkg/cluster"
	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/clusterfs/snaptool/pkg/schedule"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultAuthTokenFile is used when the cluster section does not
	// name one.
	DefaultAuthTokenFile = "auth-token.json"

	// DefaultUIPort serves the status UI unless overridden.
	DefaultUIPort = 8090

	// DefaultUIHost binds the status UI.
	DefaultUIHost = "0.0.0.0"

	// DefaultAccessPointFormat is the Windows Previous Versions
	// compatible access point shape; changing it breaks SMB clients
	// that parse the @GMT token.
	DefaultAccessPointFormat = "@GMT-%Y.%m.%d-%H.%M.%S"
)

// UIConfig configures the status HTTP server.
type UIConfig struct {
	Port int
	Host string
}

// Config is the parsed configuration document: the cluster connection
// spec, the schedule groups with their filesystem bindings, and the UI
// settings. Parse problems that only affect single entries are
// collected in IgnoredErrors; the daemon keeps running without the
// offending entries.
type Config struct {
	Path    string
	ModTime time.Time

	Cluster           cluster.Spec
	Groups            map[string]*schedule.Group
	UI                UIConfig
	AccessPointFormat string

	IgnoredErrors []string
}

type rawDocument struct {
	Cluster     map[string]yaml.Node `yaml:"cluster"`
	Schedules   map[string]yaml.Node `yaml:"schedules"`
	Filesystems map[string]yaml.Node `yaml:"filesystems"`
	Snaptool    map[string]yaml.Node `yaml:"snaptool"`
}

// FindFile looks for the config file in the usual locations when the
// given path does not exist as-is.
func FindFile(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	home, _ := os.UserHomeDir()
	for _, dir := range []string{".", home, "/etc/snaptool", "/opt/snaptool"} {
		candidate := dir + "/" + path
		if _, err := os.Stat(candidate); err == nil {
			log.Logger.Info().Str("path", candidate).Msg("Config file found")
			return candidate
		}
	}
	log.Logger.Error().Str("path", path).Msg("Config file not found")
	return path
}

// Changed reports whether the file's mtime moved past the given stamp.
// A missing file reports false; the caller keeps its current config.
func Changed(path string, since time.Time) bool {
	st, err := os.Stat(path)
	if err != nil {
		log.Logger.Error().Str("path", path).Msg("Config file missing")
		return false
	}
	return st.ModTime().After(since)
}

// Load reads and parses the configuration document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML error in config file %s: %w", path, err)
	}

	cfg := &Config{
		Path:    path,
		ModTime: st.ModTime(),
		Groups:  make(map[string]*schedule.Group),
		UI:      UIConfig{Port: DefaultUIPort, Host: DefaultUIHost},

		AccessPointFormat: DefaultAccessPointFormat,
	}

	if raw.Cluster == nil {
		return nil, fmt.Errorf("config file %s has no 'cluster' section", path)
	}
	if raw.Schedules == nil {
		return nil, fmt.Errorf("config file %s has no 'schedules' section", path)
	}
	if raw.Filesystems == nil {
		return nil, fmt.Errorf("config file %s has no 'filesystems' section", path)
	}

	if err := cfg.parseCluster(raw.Cluster); err != nil {
		return nil, err
	}
	cfg.parseSchedules(raw.Schedules)
	cfg.parseFilesystems(raw.Filesystems)
	cfg.parseSnaptool(raw.Snaptool)

	return cfg, nil
}

func (c *Config) parseCluster(section map[string]yaml.Node) error {
	hosts, err := stringOrList(section["hosts"])
	if err != nil || len(hosts) == 0 {
		return fmt.Errorf("a cluster 'hosts' spec is required in the config file")
	}
	c.Cluster = cluster.Spec{
		Hosts:         hosts,
		AuthTokenFile: DefaultAuthTokenFile,
		VerifyCert:    true,
	}
	if n, ok := section["auth_token_file"]; ok {
		c.Cluster.AuthTokenFile = scalar(n)
	} else {
		log.Logger.Warn().Msgf("No auth file specified, trying %s", DefaultAuthTokenFile)
	}
	if n, ok := section["force_https"]; ok {
		c.Cluster.ForceHTTPS = parseBool(scalar(n))
	}
	if n, ok := section["verify_cert"]; ok {
		c.Cluster.VerifyCert = parseBool(scalar(n))
	}
	return nil
}

func (c *Config) parseSchedules(section map[string]yaml.Node) {
	for groupName, node := range section {
		group := &schedule.Group{Name: groupName}
		c.Groups[groupName] = group

		var specs map[string]yaml.Node
		if err := node.Decode(&specs); err != nil {
			c.ignore(fmt.Sprintf("schedule %s: not a mapping: %v", groupName, err))
			continue
		}
		if _, single := specs["every"]; single {
			// a single schedule spec without sub-entry names
			var spec schedule.Spec
			if err := node.Decode(&spec); err != nil {
				c.ignore(fmt.Sprintf("schedule %s: %v", groupName, err))
				continue
			}
			entry, err := schedule.ParseEntry("", groupName, spec)
			if err != nil {
				c.ignore(err.Error())
				continue
			}
			group.Entries = append(group.Entries, entry)
			continue
		}
		entryNames := make([]string, 0, len(specs))
		for entryName := range specs {
			entryNames = append(entryNames, entryName)
		}
		sort.Strings(entryNames)
		for _, entryName := range entryNames {
			entryNode := specs[entryName]
			var spec schedule.Spec
			if err := entryNode.Decode(&spec); err != nil {
				c.ignore(fmt.Sprintf("schedule %s_%s: %v", groupName, entryName, err))
				continue
			}
			entry, err := schedule.ParseEntry(groupName, entryName, spec)
			if err != nil {
				c.ignore(err.Error())
				continue
			}
			group.Entries = append(group.Entries, entry)
		}
	}
}

func (c *Config) parseFilesystems(section map[string]yaml.Node) {
	for fsName, node := range section {
		groupNames, err := stringOrList(node)
		if err != nil {
			c.ignore(fmt.Sprintf("filesystem %s: %v", fsName, err))
			continue
		}
		for _, groupName := range groupNames {
			group, ok := c.Groups[groupName]
			if !ok {
				c.ignore(fmt.Sprintf("schedule %s, listed for filesystem %s, not found", groupName, fsName))
				continue
			}
			group.Filesystems = append(group.Filesystems, fsName)
		}
	}
}

func (c *Config) parseSnaptool(section map[string]yaml.Node) {
	if section == nil {
		return
	}
	if n, ok := section["port"]; ok {
		var port int
		if err := n.Decode(&port); err != nil {
			c.ignore(fmt.Sprintf("snaptool port: %v", err))
		} else {
			c.UI.Port = port
		}
	}
	if n, ok := section["host"]; ok {
		c.UI.Host = scalar(n)
	}
	if n, ok := section["access_point_format"]; ok {
		c.AccessPointFormat = scalar(n)
	}
}

func (c *Config) ignore(msg string) {
	log.Logger.Error().Msg(msg)
	c.IgnoredErrors = append(c.IgnoredErrors, msg)
}

// GroupList returns the groups in a deterministic order.
func (c *Config) GroupList() []*schedule.Group {
	names := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		names = append(names, name)
	}
	// alphabetical keeps log output and the UI stable between reloads
	sort.Strings(names)
	groups := make([]*schedule.Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, c.Groups[name])
	}
	return groups
}

func scalar(n yaml.Node) string {
	return strings.TrimSpace(n.Value)
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1":
		return true
	case "no", "false", "0":
		return false
	}
	log.Logger.Error().Msgf("Invalid boolean spec %q in config file, assuming false", s)
	return false
}

func stringOrList(n yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return schedule.CommaList(n.Value), nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a string or a list")
}
