package consuming

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruslanjabari/soketi/internal/apps"
	"github.com/ruslanjabari/soketi/internal/node"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
	"github.com/tidwall/gjson"
)

// AppSource resolves app nodes.
type AppSource interface {
	ByID(id string) (*node.Node, error)
}

// TriggerDispatcher publishes consumed trigger requests. Payload is a single
// trigger object or {"batch": [...]} with app_id on each item or on top level:
//
//	{"app_id": "app-id", "name": "event", "channel": "room", "data": {...}}
type TriggerDispatcher struct {
	apps AppSource
}

var _ Dispatcher = (*TriggerDispatcher)(nil)

// NewTriggerDispatcher creates TriggerDispatcher.
func NewTriggerDispatcher(apps AppSource) *TriggerDispatcher {
	return &TriggerDispatcher{apps: apps}
}

// DispatchTrigger implements Dispatcher.
func (d *TriggerDispatcher) DispatchTrigger(ctx context.Context, appID string, data []byte) error {
	if !gjson.ValidBytes(data) {
		log.Error().Msg("skip consumed message: invalid JSON")
		return nil
	}
	if id := gjson.GetBytes(data, "app_id"); id.Exists() {
		appID = id.String()
	}
	batch := gjson.GetBytes(data, "batch")
	if !batch.Exists() {
		return d.trigger(ctx, appID, data)
	}
	if !batch.IsArray() {
		log.Error().Msg("skip consumed message: batch must be an array")
		return nil
	}
	var err error
	batch.ForEach(func(_, item gjson.Result) bool {
		itemAppID := appID
		if id := item.Get("app_id"); id.Exists() {
			itemAppID = id.String()
		}
		err = d.trigger(ctx, itemAppID, []byte(item.Raw))
		return err == nil
	})
	return err
}

func (d *TriggerDispatcher) trigger(ctx context.Context, appID string, data []byte) error {
	n, err := d.apps.ByID(appID)
	if err != nil {
		if errors.Is(err, apps.ErrAppNotFound) || errors.Is(err, apps.ErrAppDisabled) {
			log.Error().Err(err).Str("app_id", appID).Msg("skip consumed message")
			return nil
		}
		return err
	}
	var req node.TriggerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("app_id", appID).Msg("skip consumed message: malformed trigger")
		return nil
	}
	err = n.Trigger(ctx, req)
	switch {
	case err == nil:
		return nil
	case isPermanent(err):
		log.Error().Err(err).Str("app_id", appID).Str("event", req.Name).Msg("skip consumed message")
		return nil
	default:
		return fmt.Errorf("error triggering event: %w", err)
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, node.ErrInvalidEvent) ||
		errors.Is(err, node.ErrPayloadTooBig) ||
		errors.Is(err, node.ErrTooManyChannels)
}
