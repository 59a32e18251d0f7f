// Package docker is the builtin container monitoring plugin. It bridges
// Docker engine events onto the hook bus and exposes container listings to
// the console.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/opsdeck/opsdeck/capability"
	"github.com/opsdeck/opsdeck/hook"
	"github.com/opsdeck/opsdeck/plugin"
)

// engineClient is the slice of the Docker SDK the plugin uses. *client.Client
// satisfies it; tests inject a fake.
type engineClient interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// Plugin watches the local Docker engine and republishes container
// lifecycle changes as hook events.
type Plugin struct {
	host *capability.HostAPI
	cli  engineClient

	newClient func() (engineClient, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func init() {
	plugin.RegisterBuiltinFactory(func(host *capability.HostAPI) plugin.BuiltinPlugin {
		return New(host)
	})
}

// New creates the docker plugin against the host API.
func New(host *capability.HostAPI) *Plugin {
	return &Plugin{
		host: host,
		newClient: func() (engineClient, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
	}
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          "docker",
		Name:        "Docker",
		Version:     "1.0.0",
		Author:      "opsdeck",
		Description: "Container monitoring and lifecycle events from the local Docker engine.",
		Category:    "infrastructure",
		Menus: []plugin.MenuItem{
			{ID: "docker", Title: "Containers", Icon: "box", Path: "/docker", Order: 20},
		},
		Routes: []plugin.FrontendRoute{
			{Path: "/docker", Component: "ContainerList", Title: "Containers"},
		},
	}
}

func (p *Plugin) Init(context.Context) error {
	cli, err := p.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	p.cli = cli
	return nil
}

// Start begins streaming engine events. The stream reconnects on error
// until Stop cancels it.
func (p *Plugin) Start(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watch(ctx)
	return nil
}

func (p *Plugin) Stop(context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Plugin) Shutdown(context.Context) error {
	if p.cli != nil {
		return p.cli.Close()
	}
	return nil
}

// Containers lists containers for the console view, including stopped ones.
func (p *Plugin) Containers(ctx context.Context) ([]container.Summary, error) {
	return p.cli.ContainerList(ctx, container.ListOptions{All: true})
}

func (p *Plugin) watch(ctx context.Context) {
	defer p.wg.Done()

	opts := events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", "container")),
	}
	for {
		msgCh, errCh := p.cli.Events(ctx, opts)
	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					break stream
				}
				p.publish(ctx, msg)
			case err, ok := <-errCh:
				if !ok || ctx.Err() != nil {
					return
				}
				p.host.Logger.Warn("docker event stream error, reconnecting", "error", err)
				break stream
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// publish maps an engine event action onto the hook catalog. Actions outside
// the catalog are dropped.
func (p *Plugin) publish(ctx context.Context, msg events.Message) {
	var eventType string
	switch msg.Action {
	case "create":
		eventType = hook.EventContainerCreated
	case "start", "restart", "unpause":
		eventType = hook.EventContainerStarted
	case "die", "stop", "kill", "pause":
		eventType = hook.EventContainerStopped
	case "destroy":
		eventType = hook.EventContainerRemoved
	default:
		return
	}

	errs := p.host.Bus.Emit(ctx, hook.NewEvent(eventType, "docker", map[string]any{
		"container_id": msg.Actor.ID,
		"name":         msg.Actor.Attributes["name"],
		"image":        msg.Actor.Attributes["image"],
		"action":       string(msg.Action),
	}))
	for _, err := range errs {
		p.host.Logger.Warn("container event handler error", "event", eventType, "error", err)
	}
}
