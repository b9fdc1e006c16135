// Package telemetry sends anonymous usage events to PostHog.
package telemetry

import (
	"github.com/posthog/posthog-go"
)

const defaultEndpoint = "https://us.i.posthog.com"

// Service defines the interface for telemetry operations.
type Service interface {
	Track(distinctID, event string, properties map[string]any)
	Close()
}

// NoopService is a telemetry service that does nothing.
type NoopService struct{}

func (s *NoopService) Track(distinctID, event string, properties map[string]any) {}
func (s *NoopService) Close()                                                    {}

type posthogService struct {
	client posthog.Client
}

// New creates a telemetry service. Returns NoopService if apiKey is empty.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return &NoopService{}
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return &NoopService{}
	}
	return &posthogService{client: client}
}

func (s *posthogService) Track(distinctID, event string, properties map[string]any) {
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}

	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Properties: props,
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
