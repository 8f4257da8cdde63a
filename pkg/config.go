package botdeploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SystemdBackendDBus      = "dbus"
	SystemdBackendSystemctl = "systemctl"
)

// Config describes one Installation and how botctl should treat it.
type Config struct {
	ServiceName string `yaml:"service"`
	Root        string `yaml:"root"`
	BackupRoot  string `yaml:"backupRoot"`

	RemoteURL  string `yaml:"remote"`
	Branch     string `yaml:"branch"`
	Owner      string `yaml:"owner"`
	DeployKey  string `yaml:"deployKey"`
	KnownHosts string `yaml:"knownHosts"`

	HealthGrace    time.Duration `yaml:"healthGrace"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
	InstallTimeout time.Duration `yaml:"installTimeout"`

	// Paths relative to the code directory.
	SecretsFile       string   `yaml:"secretsFile"`
	CredentialsFile   string   `yaml:"credentialsFile"`
	DataStore         string   `yaml:"dataStore"`
	LogsDir           string   `yaml:"logsDir"`
	CanonicalManifest string   `yaml:"canonicalManifest"`
	PlatformManifest  string   `yaml:"platformManifest"`
	RuntimeDirs       []string `yaml:"runtimeDirs"`
	Entrypoint        string   `yaml:"entrypoint"`

	Python         string `yaml:"python"`
	SystemdBackend string `yaml:"systemdBackend"`
	UnitDir        string `yaml:"unitDir"`
	LogrotateDir   string `yaml:"logrotateDir"`

	LogFile   string `yaml:"logFile"`
	HistoryDB string `yaml:"historyDB"`
	JSONLogs  bool   `yaml:"jsonLogs"`
	Verbose   bool   `yaml:"verbose"`
}

func DefaultConfig(service string) Config {
	return Config{
		ServiceName:       service,
		Root:              filepath.Join("/opt", service),
		BackupRoot:        filepath.Join("/var/backups", service),
		Branch:            "main",
		HealthGrace:       5 * time.Second,
		FetchTimeout:      2 * time.Minute,
		InstallTimeout:    15 * time.Minute,
		SecretsFile:       ".env",
		CredentialsFile:   filepath.Join("credentials", "credentials.json"),
		DataStore:         "database.db",
		LogsDir:           "logs",
		CanonicalManifest: "requirements.txt",
		PlatformManifest:  "requirements-linux.txt",
		RuntimeDirs:       []string{"temp", "logs", "credentials"},
		Entrypoint:        "main.py",
		Python:            "python3",
		SystemdBackend:    SystemdBackendDBus,
		UnitDir:           "/etc/systemd/system",
		LogrotateDir:      "/etc/logrotate.d",
		LogFile:           filepath.Join("/var/log/botdeploy", service+".log"),
		HistoryDB:         filepath.Join("/var/lib/botdeploy", service+".db"),
	}
}

// DefaultConfigPath is where LoadConfig looks when no file is given.
func DefaultConfigPath(service string) string {
	return filepath.Join("/etc/botdeploy", service+".yaml")
}

// LoadConfig layers defaults, an optional YAML file and BOTDEPLOY_*
// environment variables. A missing file at the default location is not an
// error; a missing explicit file is.
func LoadConfig(service string, path string) (Config, error) {
	cfg := DefaultConfig(service)

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath(service)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = service
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as YAML so later runs pick up what install decided.
// Logging switches are per invocation and are left out.
func SaveConfig(cfg Config, path string) error {
	cfg.JSONLogs = false
	cfg.Verbose = false

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

func (t *Config) applyEnv() error {
	t.Root = getEnv("BOTDEPLOY_ROOT", t.Root)
	t.BackupRoot = getEnv("BOTDEPLOY_BACKUP_ROOT", t.BackupRoot)
	t.RemoteURL = getEnv("BOTDEPLOY_REMOTE", t.RemoteURL)
	t.Branch = getEnv("BOTDEPLOY_BRANCH", t.Branch)
	t.Owner = getEnv("BOTDEPLOY_OWNER", t.Owner)
	t.DeployKey = getEnv("BOTDEPLOY_DEPLOY_KEY", t.DeployKey)
	t.LogFile = getEnv("BOTDEPLOY_LOG_FILE", t.LogFile)
	t.HistoryDB = getEnv("BOTDEPLOY_HISTORY_DB", t.HistoryDB)
	t.SystemdBackend = getEnv("BOTDEPLOY_SYSTEMD_BACKEND", t.SystemdBackend)

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"BOTDEPLOY_HEALTH_GRACE", &t.HealthGrace},
		{"BOTDEPLOY_FETCH_TIMEOUT", &t.FetchTimeout},
		{"BOTDEPLOY_INSTALL_TIMEOUT", &t.InstallTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = parsed
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (t Config) Validate() error {
	if t.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(t.ServiceName, "/ \t\n") {
		return fmt.Errorf("invalid service name %q", t.ServiceName)
	}
	if !filepath.IsAbs(t.Root) {
		return fmt.Errorf("install root must be absolute: %q", t.Root)
	}
	if !filepath.IsAbs(t.BackupRoot) {
		return fmt.Errorf("backup root must be absolute: %q", t.BackupRoot)
	}
	if isPathWithin(t.BackupRoot, filepath.Join(t.Root, "bot")) {
		return fmt.Errorf("backup root %s must not live inside the code tree", t.BackupRoot)
	}
	if t.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if t.HealthGrace < 0 {
		return fmt.Errorf("health grace must not be negative")
	}
	if t.FetchTimeout <= 0 || t.InstallTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	for _, rel := range []string{t.SecretsFile, t.CredentialsFile, t.DataStore, t.LogsDir, t.CanonicalManifest, t.PlatformManifest} {
		if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
			return fmt.Errorf("installation path %q must be relative to the code directory", rel)
		}
	}
	switch t.SystemdBackend {
	case SystemdBackendDBus, SystemdBackendSystemctl:
	default:
		return fmt.Errorf("unknown systemd backend %q", t.SystemdBackend)
	}
	return nil
}

// UnitName is the systemd unit for the service.
func (t Config) UnitName() string {
	if strings.HasSuffix(t.ServiceName, ".service") {
		return t.ServiceName
	}
	return t.ServiceName + ".service"
}

func isPathWithin(path string, base string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
