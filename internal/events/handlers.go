package events

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/bootstrap"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/registry"
	"github.com/portcullis/gateway/internal/tenant"
)

// Handler applies one decoded event to gateway state.
type Handler func(env *Envelope) error

// Dispatcher routes events to handlers by event type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher wires the standard handlers for registry, authz cache and
// slug cache updates. slugs may be nil when tenant resolution is disabled.
func NewDispatcher(reg *registry.Registry, authzCache *authz.Cache, slugs *tenant.Cache) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	d.handlers[TypeCollectionChanged] = collectionChanged(reg)
	d.handlers[TypeAuthzChanged] = authzChanged(authzCache, slugs)
	d.handlers[TypeServiceChanged] = serviceChanged(reg)
	return d
}

// Dispatch applies an event. Unknown event types are an error so the consumer
// can count them as skipped.
func (d *Dispatcher) Dispatch(env *Envelope) error {
	handler, ok := d.handlers[env.EventType]
	if !ok {
		return fmt.Errorf("no handler for event type %q", env.EventType)
	}
	return handler(env)
}

// collectionChanged projects collection changes onto the route registry.
func collectionChanged(reg *registry.Registry) Handler {
	return func(env *Envelope) error {
		var col bootstrap.Collection
		if err := json.Unmarshal(env.Payload.Entity, &col); err != nil {
			return fmt.Errorf("collection entity: %w", err)
		}
		if col.ID == "" {
			return fmt.Errorf("collection entity: missing id")
		}

		switch env.Payload.ChangeType {
		case ChangeDeleted:
			removed := reg.Remove(col.ID)
			logging.Info("collection deleted",
				zap.String("collection", col.ID), zap.Bool("removed", removed),
				zap.String("correlationId", env.CorrelationID))
			return nil
		default:
			route, err := bootstrap.BuildRoute(col, nil)
			if err != nil {
				return err
			}
			if err := reg.Update(route); err != nil {
				return err
			}
			logging.Info("collection upserted",
				zap.String("collection", col.ID), zap.String("path", route.Path),
				zap.String("correlationId", env.CorrelationID))
			return nil
		}
	}
}

// authzChanged replaces the authorization config for one collection and nudges
// the slug cache, since tenant data rides on the same control plane changes.
func authzChanged(cache *authz.Cache, slugs *tenant.Cache) Handler {
	return func(env *Envelope) error {
		var entry bootstrap.AuthzEntry
		if err := json.Unmarshal(env.Payload.Entity, &entry); err != nil {
			return fmt.Errorf("authz entity: %w", err)
		}
		if entry.CollectionID == "" {
			return fmt.Errorf("authz entity: missing collectionId")
		}

		if env.Payload.ChangeType == ChangeDeleted {
			cache.Remove(entry.CollectionID)
		} else {
			cache.Replace(bootstrap.AuthzConfig(entry))
		}
		if slugs != nil {
			slugs.RequestRefresh()
		}
		logging.Info("authorization updated",
			zap.String("collection", entry.CollectionID),
			zap.String("changeType", env.Payload.ChangeType),
			zap.String("correlationId", env.CorrelationID))
		return nil
	}
}

// serviceChanged handles service deletions with a fan-out route removal.
// Creations and updates carry no routing information of their own.
func serviceChanged(reg *registry.Registry) Handler {
	return func(env *Envelope) error {
		var svc bootstrap.Service
		if err := json.Unmarshal(env.Payload.Entity, &svc); err != nil {
			return fmt.Errorf("service entity: %w", err)
		}
		if svc.ID == "" {
			return fmt.Errorf("service entity: missing id")
		}

		if env.Payload.ChangeType == ChangeDeleted {
			removed := reg.RemoveByService(svc.ID)
			logging.Info("service deleted",
				zap.String("service", svc.ID), zap.Int("routesRemoved", removed),
				zap.String("correlationId", env.CorrelationID))
		}
		return nil
	}
}
