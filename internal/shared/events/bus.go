package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/carenet/referrals/internal/shared/config"
	"github.com/google/uuid"
)

// Bus stores events in KurrentDB (EventStoreDB).
type Bus struct {
	client *esdb.Client
	prefix string
}

// NewBus connects to KurrentDB. Streams are named "<prefix>-<stream>".
func NewBus(ctx context.Context, cfg config.KurrentDBConfig) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "referrals"
	}
	return &Bus{client: client, prefix: prefix}, nil
}

// StreamName maps a logical stream to its KurrentDB name.
func (b *Bus) StreamName(stream string) string {
	return b.prefix + "-" + normalizeStream(stream)
}

// Publish appends event to stream
func (b *Bus) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.StreamName(stream), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventID:     eventID,
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Read reads stream forwards from the start.
func (b *Bus) Read(ctx context.Context, stream string, max uint64) ([]Event, error) {
	rs, err := b.client.ReadStream(ctx, b.StreamName(stream), esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, max)
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); !ok && esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rs.Close()

	var out []Event
	for {
		resolved, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if esdbErr, ok := esdb.FromError(err); !ok && esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
		if resolved.Event == nil {
			continue
		}

		var event Event
		if err := json.Unmarshal(resolved.Event.Data, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if event.ID == "" {
			event.ID = resolved.Event.EventID.String()
		}
		out = append(out, event)
	}
	return out, nil
}

// Close closes the event bus connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	defer stream.Close()
	return nil
}

// normalizeStream makes dotted names stream-safe: referral.created -> referral-created
func normalizeStream(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}
