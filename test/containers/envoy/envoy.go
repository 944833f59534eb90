// Package envoy runs Envoy in a container, configured to call the ext_proc server of the host on :8081
// and to route to the echo server of the host on :8080.
package envoy

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	_ "embed"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultImage ships an Envoy build with the ext_proc filter.
const DefaultImage = "istio/proxyv2:1.24.2"

const (
	listenerPort = "10000"
	configPath   = "/etc/envoy/envoy.yml"
)

//go:embed envoy.yml
var defaultConfig []byte

type Container struct {
	testcontainers.Container
}

func Run(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*Container, error) {
	genericContainerReq := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: img,
		},
		Started: true,
	}

	for _, opt := range opts {
		if err := opt.Customize(&genericContainerReq); err != nil {
			return nil, fmt.Errorf("customize: %w", err)
		}
	}

	container, err := testcontainers.GenericContainer(ctx, genericContainerReq)
	ctr := &Container{
		Container: container,
	}
	if err != nil {
		return ctr, fmt.Errorf("could not create generic container: %w", err)
	}
	return ctr, nil
}

// TestContainer is an Envoy container with test defaults. URL is the listener address once Run returned.
type TestContainer struct {
	testcontainers.Container
	URL *url.URL

	overrides    testcontainers.GenericContainerRequest
	waitStrategy wait.Strategy
}

func NewTestContainer(opts ...TestContainerOption) *TestContainer {
	c := &TestContainer{}
	for _, opt := range opts {
		opt(c)
	}

	var defaults []TestContainerOption
	if len(c.overrides.Files) == 0 {
		defaults = append(defaults, WithConfig(defaultConfig))
	}
	if len(c.overrides.Entrypoint) == 0 {
		defaults = append(defaults, WithEntrypoint("/usr/local/bin/envoy", "--log-level", "warn", "-c", configPath))
	}
	if len(c.overrides.ExposedPorts) == 0 {
		defaults = append(defaults, WithExposedPorts(listenerPort))
	}
	if len(c.overrides.HostAccessPorts) == 0 {
		defaults = append(defaults, WithHostAccessPorts(8080, 8081))
	}
	if len(c.overrides.ExtraHosts) == 0 {
		defaults = append(defaults, WithExtraHosts(fmt.Sprintf("%s:host-gateway", testcontainers.HostInternal)))
	}
	if c.waitStrategy == nil {
		defaults = append(defaults, WithWaitStrategy(wait.ForListeningPort(listenerPort)))
	}

	for _, opt := range defaults {
		opt(c)
	}
	return c
}

type TestContainerOption func(*TestContainer)

// WithConfig replaces the embedded Envoy bootstrap configuration.
func WithConfig(config []byte) TestContainerOption {
	return WithFiles(testcontainers.ContainerFile{
		ContainerFilePath: configPath,
		Reader:            bytes.NewReader(config),
		FileMode:          0o644,
	})
}

func WithFiles(files ...testcontainers.ContainerFile) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.Files = append(c.overrides.Files, files...)
	}
}

func WithEntrypoint(entrypoint ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.Entrypoint = entrypoint
	}
}

func WithExposedPorts(ports ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.ExposedPorts = ports
	}
}

func WithHostAccessPorts(ports ...int) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.HostAccessPorts = ports
	}
}

func WithExtraHosts(hosts ...string) TestContainerOption {
	return func(c *TestContainer) {
		c.overrides.ExtraHosts = hosts
	}
}

func WithWaitStrategy(strategy wait.Strategy) TestContainerOption {
	return func(c *TestContainer) {
		c.waitStrategy = strategy
	}
}

// Run starts the container and returns the URL of the Envoy listener.
func (c *TestContainer) Run(ctx context.Context, img string, opts ...testcontainers.ContainerCustomizer) (*url.URL, error) {
	for _, opt := range opts {
		if err := opt.Customize(&c.overrides); err != nil {
			return nil, fmt.Errorf("customize: %w", err)
		}
	}

	ctr, err := Run(ctx, img, testcontainers.CustomizeRequest(c.overrides))
	c.Container = ctr
	if err != nil {
		return nil, fmt.Errorf("could not run container: %w", err)
	}

	if err := c.waitStrategy.WaitUntilReady(ctx, ctr); err != nil {
		return nil, fmt.Errorf("container not ready: %w", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, listenerPort, "http")
	if err != nil {
		return nil, fmt.Errorf("could not get listener endpoint: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	c.URL = u
	return u, nil
}
