package config

import "time"

// DeployerConfig holds the managed remote host connection and pipeline tuning.
type DeployerConfig struct {
	RemoteHost     string        `env:"REMOTE_HOST" validate:"required,hostname_rfc1123|ip"`
	RemoteUser     string        `env:"REMOTE_USER" validate:"required"`
	SSHPort        int           `env:"SSH_PORT" validate:"min=1,max=65535"`
	SSHKeyPath     string        `env:"SSH_KEY_PATH" validate:"required"`
	SSHKnownHosts  string        `env:"SSH_KNOWN_HOSTS"`
	SSHDialTimeout time.Duration `env:"SSH_DIAL_TIMEOUT" validate:"gt=0"`
	ExecTimeout    time.Duration `env:"REMOTE_EXEC_TIMEOUT" validate:"gt=0"`
	RemoteWorkdir  string        `env:"REMOTE_WORKDIR" validate:"required,startswith=/"`
	DockerSocket   string        `env:"REMOTE_DOCKER_SOCKET" validate:"required"`
	PublicHost     string        `env:"PUBLIC_HOST"`
	GitTimeout     time.Duration `env:"GIT_TIMEOUT" validate:"gt=0"`
	BuildTimeout   time.Duration `env:"BUILD_TIMEOUT" validate:"gt=0"`
	PortMin        int           `env:"PORT_MIN" validate:"min=1024,max=65535"`
	PortMax        int           `env:"PORT_MAX" validate:"gtfield=PortMin,max=65536"`
	PortRetries    int           `env:"PORT_RETRIES" validate:"min=1,max=50"`
	VerifyAttempts int           `env:"VERIFY_ATTEMPTS" validate:"min=1"`
	VerifyInterval time.Duration `env:"VERIFY_INTERVAL" validate:"gte=0"`
	CleanupTimeout time.Duration `env:"CLEANUP_TIMEOUT" validate:"gt=0"`
	StackHintWins  bool          `env:"STACK_HINT_WINS"`
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	user := GetString("REMOTE_USER", "")
	workdir := ""
	if user != "" {
		workdir = "/home/" + user + "/apps"
	}
	host := GetString("REMOTE_HOST", "")
	return DeployerConfig{
		RemoteHost:     host,
		RemoteUser:     user,
		SSHPort:        GetInt("SSH_PORT", 22),
		SSHKeyPath:     GetString("SSH_KEY_PATH", ""),
		SSHKnownHosts:  GetString("SSH_KNOWN_HOSTS", ""),
		SSHDialTimeout: GetDuration("SSH_DIAL_TIMEOUT", 15*time.Second),
		ExecTimeout:    GetDuration("REMOTE_EXEC_TIMEOUT", 5*time.Minute),
		RemoteWorkdir:  GetString("REMOTE_WORKDIR", workdir),
		DockerSocket:   GetString("REMOTE_DOCKER_SOCKET", "/var/run/docker.sock"),
		PublicHost:     GetString("PUBLIC_HOST", host),
		GitTimeout:     GetDuration("GIT_TIMEOUT", 2*time.Minute),
		BuildTimeout:   GetDuration("BUILD_TIMEOUT", 15*time.Minute),
		PortMin:        GetInt("PORT_MIN", 3000),
		PortMax:        GetInt("PORT_MAX", 65000),
		PortRetries:    GetInt("PORT_RETRIES", 5),
		VerifyAttempts: GetInt("VERIFY_ATTEMPTS", 5),
		VerifyInterval: GetDuration("VERIFY_INTERVAL", 2*time.Second),
		CleanupTimeout: GetDuration("CLEANUP_TIMEOUT", 30*time.Second),
		StackHintWins:  GetBool("STACK_HINT_WINS", false),
	}
}
