package portainer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	containertypes "github.com/moby/moby/api/types/container"
	networktypes "github.com/moby/moby/api/types/network"
)

// PortainerContainer is a container enriched with endpoint and stack
// membership, and tagged with the tenant it was scanned on behalf of so a
// fan-out across every PortainerInstance for every user never mixes rows
// between tenants.
type PortainerContainer struct {
	UserID       string
	ID           string
	Name         string
	Image        string
	ImageID      string
	State        string
	Labels       map[string]string
	EndpointID   int
	EndpointName string
	StackID      int    // 0 if standalone
	StackName    string // "" if standalone
}

// HostID returns the logical host identifier for this container.
func (pc PortainerContainer) HostID() string {
	return fmt.Sprintf("portainer:%d", pc.EndpointID)
}

// Scanner wraps Client and provides higher-level scan operations.
type Scanner struct {
	client *Client

	mu     sync.Mutex
	stacks []Stack // cached for current scan cycle; nil means not yet fetched
}

// NewScanner returns a Scanner backed by the given client.
func NewScanner(client *Client) *Scanner {
	return &Scanner{client: client}
}

// Client returns the underlying Portainer client.
func (s *Scanner) Client() *Client {
	return s.client
}

// ResetCache clears the cached stack list. Call at the start of each scan cycle.
func (s *Scanner) ResetCache() {
	s.mu.Lock()
	s.stacks = nil
	s.mu.Unlock()
}

// Endpoints returns Docker endpoints that are currently up.
func (s *Scanner) Endpoints(ctx context.Context) ([]Endpoint, error) {
	all, err := s.client.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, ep := range all {
		if ep.IsDocker() && ep.Status == StatusUp {
			out = append(out, ep)
		}
	}
	return out, nil
}

// AllEndpoints returns all Docker endpoints regardless of status (for UI display).
func (s *Scanner) AllEndpoints(ctx context.Context) ([]Endpoint, error) {
	all, err := s.client.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, ep := range all {
		if ep.IsDocker() {
			out = append(out, ep)
		}
	}
	return out, nil
}

// EndpointContainers returns containers for the given endpoint, enriched with stack info.
// Stacks are fetched once per scan cycle and cached.
func (s *Scanner) EndpointContainers(ctx context.Context, userID string, ep Endpoint) ([]PortainerContainer, error) {
	stacks, err := s.cachedStacks(ctx)
	if err != nil {
		return nil, err
	}

	// Build map: project name -> Stack for this endpoint
	projectToStack := make(map[string]Stack)
	for _, st := range stacks {
		if st.EndpointID == ep.ID {
			projectToStack[st.Name] = st
		}
	}

	raw, err := s.client.ListContainers(ctx, ep.ID)
	if err != nil {
		return nil, err
	}

	out := make([]PortainerContainer, 0, len(raw))
	for _, c := range raw {
		pc := PortainerContainer{
			UserID:       userID,
			ID:           c.ID,
			Name:         c.Name(),
			Image:        c.Image,
			ImageID:      c.ImageID,
			State:        c.State,
			Labels:       c.Labels,
			EndpointID:   ep.ID,
			EndpointName: ep.Name,
		}
		if project := c.StackName(); project != "" {
			if st, ok := projectToStack[project]; ok {
				pc.StackID = st.ID
				pc.StackName = st.Name
			}
		}
		out = append(out, pc)
	}
	return out, nil
}

// RedeployStack triggers a stack redeploy, preserving the stack's existing env vars.
func (s *Scanner) RedeployStack(ctx context.Context, stackID, endpointID int) error {
	stacks, err := s.cachedStacks(ctx)
	if err != nil {
		return err
	}

	var env []EnvVar
	for _, st := range stacks {
		if st.ID == stackID {
			env = st.Env
			break
		}
	}

	return s.client.RedeployStack(ctx, stackID, endpointID, env)
}

// RecreateContainer updates a standalone container: inspect -> stop -> remove ->
// pull new image -> create with the same config (env, labels, host config,
// network endpoints) pointed at the new image -> start. This is spec.md
// §4.3's single-container upgrade path, used whenever a container has no
// owning stack for RedeployStack to handle instead.
func (s *Scanner) RecreateContainer(ctx context.Context, endpointID int, containerID, newImage string) error {
	insp, err := s.client.InspectContainer(ctx, endpointID, containerID)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	image, tag := parseImageTag(newImage)

	if err := s.client.StopContainer(ctx, endpointID, containerID); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	if err := s.client.RemoveContainer(ctx, endpointID, containerID); err != nil {
		return fmt.Errorf("remove: %w", err)
	}

	if err := s.client.PullImage(ctx, endpointID, image, tag); err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	name := strings.TrimPrefix(insp.Name, "/")
	createBody, err := buildCreateBody(insp, newImage)
	if err != nil {
		return fmt.Errorf("build create request: %w", err)
	}

	newID, err := s.client.CreateContainer(ctx, endpointID, name, createBody)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if err := s.client.StartContainer(ctx, endpointID, newID); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	return nil
}

// cachedStacks returns stacks from cache, fetching once per scan cycle.
func (s *Scanner) cachedStacks(ctx context.Context) ([]Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stacks != nil {
		return s.stacks, nil
	}

	stacks, err := s.client.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	s.stacks = stacks
	return s.stacks, nil
}

// parseImageTag splits an image reference into image and tag.
// Registry ports (e.g. registry.local:5000/myapp:v2) are handled correctly:
// only a colon that appears after the last slash is treated as a tag separator.
func parseImageTag(ref string) (image, tag string) {
	lastSlash := strings.LastIndex(ref, "/")
	afterSlash := ref[lastSlash+1:]

	colonIdx := strings.LastIndex(afterSlash, ":")
	if colonIdx < 0 {
		return ref, "latest"
	}

	// colon is at lastSlash+1+colonIdx in the original string
	splitAt := lastSlash + 1 + colonIdx
	return ref[:splitAt], ref[splitAt+1:]
}

// createRequest mirrors the Docker Engine API's container-create wire
// format: Config's fields flattened at the top level, plus nested
// HostConfig and NetworkingConfig. Using the typed moby/moby/api structs
// here (instead of passing the teacher's json.RawMessage straight through)
// means the env/labels/host-config/network-endpoint fields this system
// actually touches round-trip through a compiler-checked shape; any field
// moby doesn't model is simply dropped, which is acceptable since Portainer
// only ever receives fields moby itself defines.
type createRequest struct {
	containertypes.Config
	HostConfig       *containertypes.HostConfig     `json:"HostConfig,omitempty"`
	NetworkingConfig *networktypes.NetworkingConfig `json:"NetworkingConfig,omitempty"`
}

// buildCreateBody assembles a create-container request from an inspect
// response, preserving the original container's host config and network
// endpoints while swapping in newImage.
func buildCreateBody(insp *InspectResponse, newImage string) (*createRequest, error) {
	var hostCfg *containertypes.HostConfig
	if len(insp.HostConfig) > 0 {
		hostCfg = &containertypes.HostConfig{}
		if err := json.Unmarshal(insp.HostConfig, hostCfg); err != nil {
			return nil, fmt.Errorf("unmarshal host config: %w", err)
		}
	}

	var netCfg *networktypes.NetworkingConfig
	if len(insp.NetworkSettings) > 0 {
		var ns struct {
			Networks map[string]*networktypes.EndpointSettings `json:"Networks"`
		}
		if err := json.Unmarshal(insp.NetworkSettings, &ns); err != nil {
			return nil, fmt.Errorf("unmarshal network settings: %w", err)
		}
		if len(ns.Networks) > 0 {
			netCfg = &networktypes.NetworkingConfig{EndpointsConfig: ns.Networks}
		}
	}

	return &createRequest{
		Config: containertypes.Config{
			Image:  newImage,
			Env:    insp.Config.Env,
			Labels: insp.Config.Labels,
		},
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	}, nil
}
