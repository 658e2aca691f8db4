package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/goccy/go-json"

	"github.com/nugget/fieldnode/internal/events"
	"github.com/nugget/fieldnode/internal/opstate"
	"github.com/nugget/fieldnode/internal/thingsboard"
)

// attributeNamespace is the opstate namespace holding the last known
// shared attribute values, JSON-encoded.
const attributeNamespace = "shared_attributes"

// AttributeStore is the Handler for shared attribute values. It logs
// every value received, caches it in the operational state store, and
// publishes it on the event bus. The store and bus are optional.
type AttributeStore struct {
	store  *opstate.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewAttributeStore creates an AttributeStore.
func NewAttributeStore(store *opstate.Store, bus *events.Bus, logger *slog.Logger) *AttributeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttributeStore{store: store, bus: bus, logger: logger}
}

// HandleEvent implements Handler.
func (a *AttributeStore) HandleEvent(_ context.Context, _ Client, ev thingsboard.Event) {
	if ev.Scope != thingsboard.ScopeShared {
		return
	}
	if ev.Kind != thingsboard.AttributeResponse && ev.Kind != thingsboard.AttributeUpdate {
		return
	}
	if len(ev.Attributes) == 0 {
		a.logger.Info("shared attribute response carried no values", "keys", ev.Keys)
		return
	}

	batch := make(map[string]string, len(ev.Attributes))
	for _, key := range slices.Sorted(maps.Keys(ev.Attributes)) {
		value := ev.Attributes[key]
		a.logger.Info("shared attribute received",
			"key", key,
			"value", value,
			"source", ev.Kind.String(),
		)
		encoded, err := json.Marshal(value)
		if err != nil {
			a.logger.Warn("encode shared attribute", "key", key, "error", err)
			continue
		}
		batch[key] = string(encoded)
	}
	if a.store != nil {
		if err := a.store.SetAll(attributeNamespace, batch); err != nil {
			a.logger.Warn("cache shared attributes", "keys", len(batch), "error", err)
		}
	}

	a.bus.Emit(events.SourceSession, events.KindAttributes, map[string]any{
		"source":     ev.Kind.String(),
		"attributes": ev.Attributes,
	})
}

// Values returns the cached attribute values. Entries that fail to
// decode are returned as their raw JSON text.
func (a *AttributeStore) Values() (map[string]any, error) {
	out := make(map[string]any)
	if a.store == nil {
		return out, nil
	}
	raw, err := a.store.List(attributeNamespace)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			out[k] = v
			continue
		}
		out[k] = decoded
	}
	return out, nil
}
