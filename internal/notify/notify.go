// Package notify carries zone events over Redis pub/sub. Provisioning
// systems publish {"zone": "...", "action": "changed"} after editing a
// zone; the daemon turns each event into a scheduler call.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	rdb "github.com/redis/go-redis/v9"

	"github.com/hazcod/zonesigner"
	"github.com/hazcod/zonesigner/internal/observability/logger"
)

type Action string

const (
	ActionChanged Action = "changed"
	ActionResync  Action = "resync"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

var ErrBadEvent = errors.New("bad zone event")

type Event struct {
	Zone   string `json:"zone"`
	Action Action `json:"action"`
}

// ParseEvent decodes and checks one message payload.
func ParseEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	ev.Zone = strings.TrimSpace(ev.Zone)
	if ev.Zone == "" {
		return Event{}, fmt.Errorf("%w: no zone", ErrBadEvent)
	}
	switch ev.Action {
	case ActionChanged, ActionResync, ActionEnable, ActionDisable:
	case "":
		ev.Action = ActionChanged
	default:
		return Event{}, fmt.Errorf("%w: unknown action %q", ErrBadEvent, ev.Action)
	}
	return ev, nil
}

// Target is the part of the scheduler events are applied to.
type Target interface {
	Enable(zone string)
	Disable(zone string) error
	Trigger(zone string, reason zonesigner.Reason) error
}

// Apply performs ev on t.
func Apply(t Target, ev Event) error {
	switch ev.Action {
	case ActionEnable:
		t.Enable(ev.Zone)
		return nil
	case ActionDisable:
		return t.Disable(ev.Zone)
	case ActionResync:
		return t.Trigger(ev.Zone, zonesigner.ReasonResync)
	default:
		return t.Trigger(ev.Zone, zonesigner.ReasonContent)
	}
}

type Bus struct {
	c       *rdb.Client
	channel string
}

func New(addr string, db int, channel string) *Bus {
	return &Bus{c: rdb.NewClient(&rdb.Options{Addr: addr, DB: db}), channel: channel}
}

func (b *Bus) Close() error { return b.c.Close() }

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.c.Publish(ctx, b.channel, raw).Err()
}

// Watch subscribes to the channel and applies every valid event to t until
// ctx is done. Malformed messages are logged and skipped.
func (b *Bus) Watch(ctx context.Context, t Target) error {
	log := logger.From(ctx).With(logger.Component("notify"), logger.String("channel", b.channel))

	sub := b.c.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	log.Info("listening for zone events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := ParseEvent(msg.Payload)
			if err != nil {
				log.Warn("dropping zone event", logger.Err(err))
				continue
			}
			if err := Apply(t, ev); err != nil {
				log.Warn("zone event not applied",
					logger.Zone(ev.Zone), logger.String("action", string(ev.Action)), logger.Err(err))
				continue
			}
			log.Debug("zone event applied", logger.Zone(ev.Zone), logger.String("action", string(ev.Action)))
		}
	}
}
