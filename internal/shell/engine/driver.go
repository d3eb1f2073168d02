package engine

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/core/stack"
)

// =============================================================================
// Stack Driver - Manages Site Stack Lifecycle
// =============================================================================

const (
	stopTimeout        = 10 * time.Second
	healthWaitTimeout  = 3 * time.Minute
	healthPollInterval = 2 * time.Second

	// DatabasePollInterval is how often WaitForDatabase probes the db
	// service.
	DatabasePollInterval = 2 * time.Second

	failureLogTail = "50"
)

// ServiceState describes one service container of a site stack.
type ServiceState struct {
	Service     string
	ContainerID string
	Name        string
	Status      ContainerStatus
	Health      string
	ExitCode    int
}

// StackStatus is the observed state of a site's stack.
type StackStatus struct {
	Site     string
	Services []ServiceState
}

// AllRunning reports whether every service container is running. An
// empty stack is not running.
func (s *StackStatus) AllRunning() bool {
	if len(s.Services) == 0 {
		return false
	}
	for _, svc := range s.Services {
		if svc.Status != ContainerStatusRunning {
			return false
		}
	}
	return true
}

// Service returns the state for a named service, or nil when absent.
func (s *StackStatus) Service(name string) *ServiceState {
	for i := range s.Services {
		if s.Services[i].Service == name {
			return &s.Services[i]
		}
	}
	return nil
}

// StackDriver manages the container resources of site stacks.
type StackDriver struct {
	docker Client
	logger *slog.Logger
}

// NewStackDriver creates a new stack driver.
func NewStackDriver(docker Client, logger *slog.Logger) *StackDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StackDriver{
		docker: docker,
		logger: logger,
	}
}

// =============================================================================
// Up
// =============================================================================

// Up reads the stack document from siteDir and brings every service
// container up, honoring depends_on conditions: a service gated on
// service_healthy does not start until its dependency reports healthy.
func (d *StackDriver) Up(ctx context.Context, siteName, siteDir string) (*StackStatus, error) {
	d.logger.Info("starting stack", "site", siteName, "dir", siteDir)

	content, err := os.ReadFile(filepath.Join(siteDir, stack.ComposeFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read stack document: %w", err)
	}

	spec, err := stack.Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stack document: %w", err)
	}

	d.logger.Debug("parsed stack document",
		"site", siteName,
		"services", len(spec.Services),
		"volumes", len(spec.Volumes),
	)

	// 1. Create the site network
	networkName := site.NetworkName(siteName)
	networkID, err := d.createStackNetwork(siteName, networkName)
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	d.logger.Debug("created network", "network_name", networkName)

	// 2. Create named volumes
	for _, vol := range spec.Volumes {
		if vol.External {
			continue
		}
		volumeName := site.VolumeName(siteName, vol.Name)
		if _, err := d.createStackVolume(siteName, volumeName); err != nil {
			_ = d.docker.RemoveNetwork(networkID)
			return nil, fmt.Errorf("failed to create volume %s: %w", vol.Name, err)
		}
		d.logger.Debug("created volume", "volume_name", volumeName)
	}

	// 3. Pull images
	for _, svc := range spec.Services {
		if svc.Image == "" {
			continue
		}
		exists, _ := d.docker.ImageExists(svc.Image)
		if !exists {
			d.logger.Info("pulling image", "image", svc.Image)
			if err := d.docker.PullImage(svc.Image, PullOptions{}); err != nil {
				d.logger.Warn("failed to pull image, trying anyway", "image", svc.Image, "error", err)
			}
		}
	}

	// 4. Check for existing containers (restart case)
	existingContainers, _ := d.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSite, siteName)},
	})
	existingByService := make(map[string]ContainerInfo)
	for _, c := range existingContainers {
		if svc, ok := c.Labels[LabelService]; ok {
			existingByService[svc] = c
		}
	}

	// 5. Create and start containers in dependency order
	status := &StackStatus{Site: siteName}
	created := make(map[string]string) // serviceName -> containerID

	for _, svc := range stack.StartOrder(spec.Services) {
		// Health-gated dependencies must settle first.
		for dep, condition := range svc.DependsOn {
			if condition != stack.ConditionHealthy {
				continue
			}
			depID, ok := created[dep]
			if !ok {
				continue
			}
			if err := d.waitContainerHealthy(ctx, depID, healthWaitTimeout); err != nil {
				d.logger.Error("dependency never became healthy",
					"site", siteName,
					"service", svc.Name,
					"dependency", dep,
					"logs", d.recentLogs(depID),
				)
				d.cleanupCreatedContainers(created)
				_ = d.docker.RemoveNetwork(networkID)
				return nil, fmt.Errorf("dependency %s of service %s: %w", dep, svc.Name, err)
			}
		}

		var containerID string

		if existing, found := existingByService[svc.Name]; found {
			containerID = existing.ID
			d.logger.Debug("using existing container", "service", svc.Name, "container_id", shortID(containerID))
		} else {
			containerID, err = d.docker.CreateContainer(d.buildContainerSpec(siteName, siteDir, svc, networkName))
			if err != nil {
				d.cleanupCreatedContainers(created)
				_ = d.docker.RemoveNetwork(networkID)
				return nil, fmt.Errorf("failed to create container for %s: %w", svc.Name, err)
			}
			d.logger.Debug("created container", "service", svc.Name, "container_id", shortID(containerID))
		}

		created[svc.Name] = containerID

		if err := d.docker.StartContainer(containerID); err != nil && !errors.Is(err, ErrContainerAlreadyRunning) {
			d.logger.Error("service failed to start",
				"site", siteName,
				"service", svc.Name,
				"logs", d.recentLogs(containerID),
			)
			d.cleanupCreatedContainers(created)
			_ = d.docker.RemoveNetwork(networkID)
			return nil, fmt.Errorf("failed to start container for %s: %w", svc.Name, err)
		}
		d.logger.Debug("started container", "service", svc.Name, "container_id", shortID(containerID))

		info, err := d.docker.InspectContainer(containerID)
		if err != nil {
			d.cleanupCreatedContainers(created)
			_ = d.docker.RemoveNetwork(networkID)
			return nil, fmt.Errorf("failed to inspect container for %s: %w", svc.Name, err)
		}

		status.Services = append(status.Services, ServiceState{
			Service:     svc.Name,
			ContainerID: info.ID,
			Name:        info.Name,
			Status:      info.Status,
			Health:      info.Health,
			ExitCode:    info.ExitCode,
		})
	}

	d.logger.Info("stack started", "site", siteName, "services", len(status.Services))
	return status, nil
}

// =============================================================================
// Down
// =============================================================================

// Down stops and removes all stack resources for a site. Containers,
// networks and volumes that are already gone count as removed, so a
// repeated Down succeeds.
func (d *StackDriver) Down(ctx context.Context, siteName string, removeVolumes bool) error {
	d.logger.Info("removing stack", "site", siteName, "remove_volumes", removeVolumes)

	containers, err := d.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSite, siteName)},
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	timeout := stopTimeout
	for _, c := range containers {
		if c.Status == ContainerStatusRunning {
			if err := d.docker.StopContainer(c.ID, &timeout); err != nil && !errors.Is(err, ErrContainerNotFound) {
				d.logger.Warn("failed to stop container", "container_id", shortID(c.ID), "error", err)
			}
		}
		if err := d.docker.RemoveContainer(c.ID, RemoveOptions{Force: true}); err != nil {
			if !errors.Is(err, ErrContainerNotFound) {
				d.logger.Warn("failed to remove container", "container_id", shortID(c.ID), "error", err)
			}
		} else {
			d.logger.Debug("removed container", "container_id", shortID(c.ID))
		}
	}

	networkName := site.NetworkName(siteName)
	if err := d.docker.RemoveNetwork(networkName); err != nil {
		if !errors.Is(err, ErrNetworkNotFound) {
			d.logger.Warn("failed to remove network", "network", networkName, "error", err)
		}
	} else {
		d.logger.Debug("removed network", "network", networkName)
	}

	if removeVolumes {
		volumes, err := d.docker.ListVolumes(ListOptions{
			Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSite, siteName)},
		})
		if err != nil {
			d.logger.Warn("failed to list volumes", "site", siteName, "error", err)
		}
		for _, name := range volumes {
			if err := d.docker.RemoveVolume(name, true); err != nil {
				if !errors.Is(err, ErrVolumeNotFound) {
					d.logger.Warn("failed to remove volume", "volume", name, "error", err)
				}
			} else {
				d.logger.Debug("removed volume", "volume", name)
			}
		}
	}

	d.logger.Info("stack removed", "site", siteName, "containers_removed", len(containers))
	return nil
}

// =============================================================================
// Inspect
// =============================================================================

// Inspect returns the observed state of a site's stack. A site with no
// containers yields an empty (not running) status, not an error.
func (d *StackDriver) Inspect(ctx context.Context, siteName string) (*StackStatus, error) {
	containers, err := d.docker.ListContainers(ListOptions{
		All:     true,
		Filters: map[string]string{"label": fmt.Sprintf("%s=%s", LabelSite, siteName)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	status := &StackStatus{Site: siteName}
	for _, c := range containers {
		state := ServiceState{
			Service:     c.Labels[LabelService],
			ContainerID: c.ID,
			Name:        c.Name,
			Status:      c.Status,
		}
		// The list endpoint has no health detail; inspect fills it in.
		if info, err := d.docker.InspectContainer(c.ID); err == nil {
			state.Health = info.Health
			state.ExitCode = info.ExitCode
		}
		status.Services = append(status.Services, state)
	}

	return status, nil
}

// =============================================================================
// In-Container Operations
// =============================================================================

// Exec runs a command inside a stack container.
func (d *StackDriver) Exec(ctx context.Context, containerName string, opts ExecOptions) (*ExecResult, error) {
	return d.docker.ExecContainer(ctx, containerName, opts)
}

// CopyIn places a single file into destDir inside a stack container.
// size must match the content length exactly; the engine rejects
// truncated tar streams.
func (d *StackDriver) CopyIn(ctx context.Context, containerName, destDir, fileName string, content io.Reader, size int64) error {
	return d.docker.CopyToContainer(ctx, containerName, destDir, tarStream(fileName, size, content))
}

// tarStream wraps a single file in an uncompressed tar archive without
// buffering the whole payload.
func tarStream(name string, size int64, content io.Reader) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		hdr := &tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    size,
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(tw, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(tw.Close())
	}()
	return pr
}

// =============================================================================
// Database Readiness
// =============================================================================

// WaitForDatabase polls the site's db service until mysqld answers a
// ping or the timeout passes. It probes immediately and then every
// DatabasePollInterval, so the wait is bounded by timeout plus one
// interval. A false return means not ready, not failure.
func (d *StackDriver) WaitForDatabase(ctx context.Context, siteName string, timeout time.Duration) (bool, error) {
	containerName := site.DBContainerName(siteName)
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(DatabasePollInterval)
	defer ticker.Stop()

	for {
		res, err := d.docker.ExecContainer(ctx, containerName, ExecOptions{
			Cmd: []string{"mysqladmin", "ping", "-h", "localhost", "--silent"},
		})
		if err == nil && res.ExitCode == 0 {
			return true, nil
		}
		if err != nil {
			// The container may still be starting; keep polling.
			d.logger.Debug("database ping not answered", "site", siteName, "error", err)
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Logs
// =============================================================================

// Logs returns a recent log excerpt for a container.
func (d *StackDriver) Logs(ctx context.Context, containerID, tail string) (string, error) {
	reader, err := d.docker.ContainerLogs(containerID, LogOptions{
		Tail:       tail,
		Timestamps: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	buf := make([]byte, 64*1024)
	n, _ := reader.Read(buf)
	return string(buf[:n]), nil
}

// recentLogs is the best-effort variant used on failure paths.
func (d *StackDriver) recentLogs(containerID string) string {
	logs, err := d.Logs(context.Background(), containerID, failureLogTail)
	if err != nil {
		return ""
	}
	return logs
}

// =============================================================================
// Helper Methods
// =============================================================================

// createStackNetwork creates a network for a site or returns the existing one.
func (d *StackDriver) createStackNetwork(siteName, networkName string) (string, error) {
	networkID, err := d.docker.CreateNetwork(NetworkSpec{
		Name:   networkName,
		Driver: "bridge",
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSite:    siteName,
		},
	})
	if err != nil {
		if errors.Is(err, ErrNetworkAlreadyExists) {
			d.logger.Debug("network already exists, reusing", "network_name", networkName)
			// Docker accepts the name wherever an ID is expected.
			return networkName, nil
		}
		return "", err
	}
	return networkID, nil
}

// createStackVolume creates a volume for a site or returns the existing one.
func (d *StackDriver) createStackVolume(siteName, volumeName string) (string, error) {
	volID, err := d.docker.CreateVolume(VolumeSpec{
		Name: volumeName,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSite:    siteName,
		},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			d.logger.Debug("volume already exists, reusing", "volume_name", volumeName)
			return volumeName, nil
		}
		return "", err
	}
	return volID, nil
}

// buildContainerSpec builds a ContainerSpec from a parsed stack service.
func (d *StackDriver) buildContainerSpec(siteName, siteDir string, svc stack.Service, networkName string) ContainerSpec {
	containerName := svc.ContainerName
	if containerName == "" {
		containerName = fmt.Sprintf("%s-%s", siteName, svc.Name)
	}

	spec := ContainerSpec{
		Name:       containerName,
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelSite:    siteName,
			LabelService: svc.Name,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {svc.Name}},
	}

	for k, v := range svc.Environment {
		spec.Env[k] = v
	}

	// Port bindings
	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	// Named volumes get site-scoped names; relative bind sources resolve
	// against the site directory.
	for _, v := range svc.Volumes {
		source := v.Source
		switch v.Type {
		case stack.VolumeMountTypeVolume:
			source = site.VolumeName(siteName, v.Source)
		case stack.VolumeMountTypeBind:
			if !filepath.IsAbs(source) {
				source = filepath.Join(siteDir, source)
			}
		}
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	// Health check
	if svc.HealthCheck != nil {
		spec.HealthCheck = &HealthCheck{
			Test:    svc.HealthCheck.Test,
			Retries: svc.HealthCheck.Retries,
		}
		if svc.HealthCheck.Interval != "" {
			if dur, err := time.ParseDuration(svc.HealthCheck.Interval); err == nil {
				spec.HealthCheck.Interval = dur
			}
		}
		if svc.HealthCheck.Timeout != "" {
			if dur, err := time.ParseDuration(svc.HealthCheck.Timeout); err == nil {
				spec.HealthCheck.Timeout = dur
			}
		}
		if svc.HealthCheck.StartPeriod != "" {
			if dur, err := time.ParseDuration(svc.HealthCheck.StartPeriod); err == nil {
				spec.HealthCheck.StartPeriod = dur
			}
		}
	}

	// Restart policy
	switch svc.Restart {
	case stack.RestartAlways, stack.RestartOnFailure, stack.RestartUnlessStopped:
		spec.RestartPolicy = RestartPolicy{Name: string(svc.Restart)}
	default:
		spec.RestartPolicy = RestartPolicy{Name: "no"}
	}

	// Copy service labels
	for k, v := range svc.Labels {
		spec.Labels[k] = v
	}

	return spec
}

// waitContainerHealthy blocks until the container reports healthy. A
// container without a health check counts as healthy once running.
func (d *StackDriver) waitContainerHealthy(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		info, err := d.docker.InspectContainer(containerID)
		if err != nil {
			return err
		}

		if info.Health == "unhealthy" {
			return fmt.Errorf("container %s reported unhealthy", info.Name)
		}
		if info.Health == "healthy" {
			return nil
		}
		if info.Health == "" && info.Status == ContainerStatusRunning {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for container %s to become healthy", info.Name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

// cleanupCreatedContainers stops and removes all created containers.
func (d *StackDriver) cleanupCreatedContainers(containers map[string]string) {
	timeout := 5 * time.Second
	for name, id := range containers {
		_ = d.docker.StopContainer(id, &timeout)
		_ = d.docker.RemoveContainer(id, RemoveOptions{Force: true})
		d.logger.Debug("cleaned up container", "service", name, "container_id", shortID(id))
	}
}

// shortID trims a container ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
