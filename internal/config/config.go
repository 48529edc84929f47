package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// EvaluateApp Configuration - YAML base with Environment Overrides
// =============================================================================

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Admission AdmissionConfig `yaml:"admission"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Callback  CallbackConfig  `yaml:"callback"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// SecurityConfig holds the shared HMAC secret used both to verify inbound
// submissions and to sign outbound callback payloads.
type SecurityConfig struct {
	SharedSecret    string `yaml:"shared_secret"`
	ReplayWindowSec int    `yaml:"replay_window_sec"`
}

// AdmissionConfig bounds how many evaluations may run concurrently.
type AdmissionConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ArchiveConfig bounds the Archive Expander's zip-slip defenses.
type ArchiveConfig struct {
	MaxMemberSizeBytes int64 `yaml:"max_member_size_bytes"`
	MaxTotalSizeBytes  int64 `yaml:"max_total_size_bytes"`
}

// SandboxConfig selects and parameterizes the Sandbox Runner backend.
type SandboxConfig struct {
	Backend     string          `yaml:"backend"` // "CHROOT" or "DOCKER" (case-insensitive)
	TimeoutSec  int             `yaml:"timeout_sec"`
	BaseWorkDir string          `yaml:"base_work_dir"`
	Chroot      ChrootConfig    `yaml:"chroot"`
	Container   ContainerConfig `yaml:"container"`
}

type ChrootConfig struct {
	TemplateRoot    string `yaml:"template_root"`
	JailParent      string `yaml:"jail_parent"`
	UnprivilegedUID int    `yaml:"unprivileged_uid"`
	UnprivilegedGID int    `yaml:"unprivileged_gid"`
	CPUSeconds      uint64 `yaml:"cpu_seconds"`
	AddressSpaceMB  uint64 `yaml:"address_space_mb"`
	MaxProcesses    uint64 `yaml:"max_processes"`
	MaxFileSizeMB   uint64 `yaml:"max_file_size_mb"`
	EnableSeccomp   bool   `yaml:"enable_seccomp"`
	SeccompOnDeny   string `yaml:"seccomp_on_deny"` // "errno" or "kill"
}

type ContainerConfig struct {
	Image       string  `yaml:"image"` // "self" resolves to the running binary's own image
	Pull        bool    `yaml:"pull"`
	CPUQuota    int64   `yaml:"cpu_quota"`
	CPUs        float64 `yaml:"cpus"` // floating-point CPU count; takes precedence over cpu_quota when set
	MemoryMB    int64   `yaml:"memory_mb"`
	PidsLimit   int64   `yaml:"pids_limit"`
	NetworkMode string  `yaml:"network_mode"`
	NetworkNone bool    `yaml:"network_none"` // deprecated, retained for back-compat with existing config files
	RunAsUID    int     `yaml:"run_as_uid"`
	User        string  `yaml:"user"` // "uid:gid" override; takes precedence over run_as_uid when set

	// Host-side build path for image=self when the evaluator is not itself
	// containerized: build SelfDockerfile from SelfContext and tag it SelfTag.
	SelfBuildOnHost bool   `yaml:"self_build_on_host"`
	SelfContext     string `yaml:"self_context"`
	SelfDockerfile  string `yaml:"self_dockerfile"`
	SelfTag         string `yaml:"self_tag"`
}

// CallbackConfig controls the signed HTTP POST back to the caller.
type CallbackConfig struct {
	DefaultURL string `yaml:"default_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, then defaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("APP_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Security.SharedSecret = getEnv("SHARED_SECRET", c.Security.SharedSecret)
	if v := getEnvInt("REPLAY_WINDOW_SEC", 0); v > 0 {
		c.Security.ReplayWindowSec = v
	}

	if v := getEnvInt("CONCURRENCY", 0); v > 0 {
		c.Admission.MaxConcurrent = v
	} else if v := getEnvInt("MAX_CONCURRENT_EVALUATIONS", 0); v > 0 {
		c.Admission.MaxConcurrent = v
	}

	if v := getEnvInt64("MAX_MEMBER_SIZE_BYTES", 0); v > 0 {
		c.Archive.MaxMemberSizeBytes = v
	}
	if v := getEnvInt64("MAX_TOTAL_SIZE_BYTES", 0); v > 0 {
		c.Archive.MaxTotalSizeBytes = v
	}

	c.Sandbox.Backend = strings.ToUpper(strings.TrimSpace(getEnv("SANDBOX_BACKEND", c.Sandbox.Backend)))
	if v := getEnvInt("SANDBOX_TIMEOUT_SEC", 0); v > 0 {
		c.Sandbox.TimeoutSec = v
	}
	c.Sandbox.BaseWorkDir = getEnv("SANDBOX_BASE_WORK_DIR", c.Sandbox.BaseWorkDir)
	c.Sandbox.Chroot.TemplateRoot = getEnv("CHROOT_TEMPLATE_ROOT", c.Sandbox.Chroot.TemplateRoot)
	c.Sandbox.Chroot.JailParent = getEnv("CHROOT_JAIL_PARENT", c.Sandbox.Chroot.JailParent)
	if v := getEnvInt("CHROOT_UNPRIVILEGED_UID", 0); v > 0 {
		c.Sandbox.Chroot.UnprivilegedUID = v
	}
	if v := getEnvInt("CHROOT_UNPRIVILEGED_GID", 0); v > 0 {
		c.Sandbox.Chroot.UnprivilegedGID = v
	}
	c.Sandbox.Chroot.EnableSeccomp = getEnvBool("ENABLE_SECCOMP", c.Sandbox.Chroot.EnableSeccomp)
	c.Sandbox.Chroot.SeccompOnDeny = getEnv("SECCOMP_ON_DENY", c.Sandbox.Chroot.SeccompOnDeny)

	c.Sandbox.Container.Image = getEnv("DOCKER_IMAGE", c.Sandbox.Container.Image)
	c.Sandbox.Container.Pull = getEnvBool("DOCKER_PULL", c.Sandbox.Container.Pull)
	if v := getEnvFloat("DOCKER_CPUS", 0); v > 0 {
		c.Sandbox.Container.CPUs = v
	}
	if v := getEnvInt64("DOCKER_MEMORY", 0); v > 0 {
		c.Sandbox.Container.MemoryMB = v
	} else if v := getEnvInt64("DOCKER_MEMORY_MB", 0); v > 0 {
		c.Sandbox.Container.MemoryMB = v
	}
	if v := getEnvInt64("CONTAINER_PIDS_LIMIT", 0); v > 0 {
		c.Sandbox.Container.PidsLimit = v
	}
	c.Sandbox.Container.NetworkMode = getEnv("DOCKER_NETWORK_MODE", c.Sandbox.Container.NetworkMode)
	c.Sandbox.Container.User = getEnv("DOCKER_USER", c.Sandbox.Container.User)
	c.Sandbox.Container.SelfBuildOnHost = getEnvBool("DOCKER_SELF_BUILD_ON_HOST", c.Sandbox.Container.SelfBuildOnHost)
	c.Sandbox.Container.SelfContext = getEnv("DOCKER_SELF_CONTEXT", c.Sandbox.Container.SelfContext)
	c.Sandbox.Container.SelfDockerfile = getEnv("DOCKER_SELF_DOCKERFILE", c.Sandbox.Container.SelfDockerfile)
	c.Sandbox.Container.SelfTag = getEnv("DOCKER_SELF_TAG", c.Sandbox.Container.SelfTag)

	c.Callback.DefaultURL = getEnv("WEBAPP_CALLBACK_URL", getEnv("DEFAULT_CALLBACK_URL", c.Callback.DefaultURL))
	if v := getEnvInt("CALLBACK_TIMEOUT_SEC", 0); v > 0 {
		c.Callback.TimeoutSec = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Security.ReplayWindowSec == 0 {
		c.Security.ReplayWindowSec = 600
	}
	if c.Admission.MaxConcurrent == 0 {
		c.Admission.MaxConcurrent = 4
	}
	if c.Archive.MaxMemberSizeBytes == 0 {
		c.Archive.MaxMemberSizeBytes = 512 << 20 // 512 MiB
	}
	if c.Archive.MaxTotalSizeBytes == 0 {
		c.Archive.MaxTotalSizeBytes = 1 << 30 // 1 GiB
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "CHROOT"
	}
	if c.Sandbox.TimeoutSec == 0 {
		c.Sandbox.TimeoutSec = 310
	}
	if c.Sandbox.BaseWorkDir == "" {
		c.Sandbox.BaseWorkDir = "/tmp/evaluateapp"
	}
	if c.Sandbox.Chroot.TemplateRoot == "" {
		c.Sandbox.Chroot.TemplateRoot = "/opt/evaluateapp/jail-template"
	}
	if c.Sandbox.Chroot.JailParent == "" {
		c.Sandbox.Chroot.JailParent = "/opt/evaluateapp/jails"
	}
	if c.Sandbox.Chroot.UnprivilegedUID == 0 {
		c.Sandbox.Chroot.UnprivilegedUID = 65534
	}
	if c.Sandbox.Chroot.UnprivilegedGID == 0 {
		c.Sandbox.Chroot.UnprivilegedGID = 65534
	}
	if c.Sandbox.Chroot.CPUSeconds == 0 {
		c.Sandbox.Chroot.CPUSeconds = 300
	}
	if c.Sandbox.Chroot.AddressSpaceMB == 0 {
		c.Sandbox.Chroot.AddressSpaceMB = 2048
	}
	if c.Sandbox.Chroot.MaxProcesses == 0 {
		c.Sandbox.Chroot.MaxProcesses = 64
	}
	if c.Sandbox.Chroot.MaxFileSizeMB == 0 {
		c.Sandbox.Chroot.MaxFileSizeMB = 512
	}
	if c.Sandbox.Chroot.SeccompOnDeny == "" {
		c.Sandbox.Chroot.SeccompOnDeny = "errno"
	}
	if c.Sandbox.Container.Image == "" {
		c.Sandbox.Container.Image = "self"
	}
	if c.Sandbox.Container.CPUQuota == 0 {
		c.Sandbox.Container.CPUQuota = 100000
	}
	if c.Sandbox.Container.MemoryMB == 0 {
		c.Sandbox.Container.MemoryMB = 512
	}
	if c.Sandbox.Container.PidsLimit == 0 {
		c.Sandbox.Container.PidsLimit = 64
	}
	if c.Sandbox.Container.NetworkMode == "" {
		c.Sandbox.Container.NetworkMode = "none"
	}
	if c.Sandbox.Container.SelfContext == "" {
		c.Sandbox.Container.SelfContext = "."
	}
	if c.Sandbox.Container.SelfDockerfile == "" {
		c.Sandbox.Container.SelfDockerfile = "docker/evaluateapp.Dockerfile"
	}
	if c.Sandbox.Container.SelfTag == "" {
		c.Sandbox.Container.SelfTag = "evaluateapp:self"
	}
	if c.Callback.TimeoutSec == 0 {
		c.Callback.TimeoutSec = 30
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
