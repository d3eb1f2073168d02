package stack

// =============================================================================
// Document Types (rendered form)
// =============================================================================

// Document is the compose file written into each site directory. Build
// produces it, Render marshals it, and Parse reads it (or a hand-edited
// variant) back into a ParsedSpec for the engine driver.
type Document struct {
	Services map[string]ServiceDef `yaml:"services"`
	Volumes  map[string]VolumeDef  `yaml:"volumes,omitempty"`
}

// ServiceDef is one service entry in the rendered document.
type ServiceDef struct {
	Image         string                  `yaml:"image"`
	ContainerName string                  `yaml:"container_name,omitempty"`
	Restart       string                  `yaml:"restart,omitempty"`
	Environment   map[string]string       `yaml:"environment,omitempty"`
	Ports         []string                `yaml:"ports,omitempty"`
	Volumes       []string                `yaml:"volumes,omitempty"`
	Labels        map[string]string       `yaml:"labels,omitempty"`
	DependsOn     map[string]DependsOnDef `yaml:"depends_on,omitempty"`
	HealthCheck   *HealthCheckDef         `yaml:"healthcheck,omitempty"`
}

// DependsOnDef is the long-form depends_on entry carrying a start
// condition.
type DependsOnDef struct {
	Condition string `yaml:"condition"`
}

// HealthCheckDef is a service healthcheck in the rendered document.
type HealthCheckDef struct {
	Test     []string `yaml:"test,flow"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

// VolumeDef is a named volume entry. The document only ever declares
// engine-managed volumes, so it carries no options.
type VolumeDef struct{}

// =============================================================================
// ParsedSpec - Parse Output Type
// =============================================================================

// Start conditions for depends_on entries.
const (
	ConditionStarted = "service_started"
	ConditionHealthy = "service_healthy"
)

// ParsedSpec is the parsed stack, decoupled from compose-go types.
type ParsedSpec struct {
	Services []Service `json:"services"`
	Networks []Network `json:"networks,omitempty"`
	Volumes  []Volume  `json:"volumes,omitempty"`
}

// Service represents a single parsed service definition.
type Service struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	ContainerName string            `json:"container_name,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Ports         []Port            `json:"ports,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Volumes       []VolumeMount     `json:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
	DependsOn     map[string]string `json:"depends_on,omitempty"` // service name -> start condition
	Restart       RestartPolicy     `json:"restart,omitempty"`
	HealthCheck   *HealthCheck      `json:"healthcheck,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	HostIP    string `json:"host_ip,omitempty"`   // Bind IP
}

// VolumeMount represents a volume mount in a service.
type VolumeMount struct {
	Type     VolumeMountType `json:"type"`   // bind, volume, tmpfs
	Source   string          `json:"source"` // Path or volume name
	Target   string          `json:"target"` // Container path
	ReadOnly bool            `json:"readonly"`
}

// VolumeMountType represents the type of volume mount.
type VolumeMountType string

const (
	VolumeMountTypeBind   VolumeMountType = "bind"
	VolumeMountTypeVolume VolumeMountType = "volume"
	VolumeMountTypeTmpfs  VolumeMountType = "tmpfs"
)

// RestartPolicy represents the restart policy.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// HealthCheck represents parsed health check configuration.
type HealthCheck struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	Retries     int      `json:"retries,omitempty"`
	StartPeriod string   `json:"start_period,omitempty"`
}

// =============================================================================
// Network and Volume Types
// =============================================================================

// Network represents a network definition.
type Network struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	External bool              `json:"external"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Volume represents a named volume definition.
type Volume struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	External bool              `json:"external"`
	Labels   map[string]string `json:"labels,omitempty"`
}
