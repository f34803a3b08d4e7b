// Package notify delivers lifecycle notifications over email and the realtime channel.
// Delivery is best-effort: failures are logged and reported in Result, never returned.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

type Kind string

const (
	KindLeadCreated     Kind = "lead_created"
	KindLeadUpdated     Kind = "lead_updated"
	KindActivityCreated Kind = "activity_created"
)

const (
	ChannelEmail    = "email"
	ChannelRealtime = "realtime"
)

type Mailer interface {
	SendLeadNotification(ctx context.Context, to, leadName, action string) error
}

type Publisher interface {
	Publish(ctx context.Context, userID string, payload []byte) error
}

type Recorder interface {
	RecordNotification(channel, outcome string)
}

// Event describes one lifecycle notification. Record is embedded in the payload under
// EntityKey ("lead" or "activity").
type Event struct {
	Kind         Kind
	ActorID      string
	TargetUserID string
	TargetEmail  string
	LeadName     string
	EmailAction  string
	Message      string
	EntityKey    string
	Record       any
}

type Delivery struct {
	Attempted bool
	Err       error
}

func (d Delivery) Succeeded() bool {
	return d.Attempted && d.Err == nil
}

// Result separates "the mutation succeeded" from "a side channel failed".
type Result struct {
	Suppressed bool
	Email      Delivery
	Realtime   Delivery
}

func (r Result) Failed() bool {
	return r.Email.Err != nil || r.Realtime.Err != nil
}

type Options struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Recorder Recorder
}

type Dispatcher struct {
	mailer    Mailer
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
	recorder  Recorder
}

// NewDispatcher wires the send and publish primitives. Either may be nil to disable that channel.
func NewDispatcher(mailer Mailer, publisher Publisher, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		mailer:    mailer,
		publisher: publisher,
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
	}
}

// Notify runs synchronously but detached from ctx cancellation, bounded by the dispatcher
// timeout. It never panics and never returns an error.
func (d *Dispatcher) Notify(ctx context.Context, event Event) (result Result) {
	if d == nil {
		return Result{Suppressed: true}
	}
	if strings.TrimSpace(event.TargetUserID) == "" || event.TargetUserID == event.ActorID {
		d.record(ChannelEmail, "suppressed")
		d.record(ChannelRealtime, "suppressed")
		return Result{Suppressed: true}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	result.Email = d.sendEmail(ctx, event)
	result.Realtime = d.publish(ctx, event)
	return result
}

func (d *Dispatcher) sendEmail(ctx context.Context, event Event) (delivery Delivery) {
	if d.mailer == nil || strings.TrimSpace(event.TargetEmail) == "" {
		d.record(ChannelEmail, "skipped")
		return Delivery{}
	}
	delivery.Attempted = true
	defer d.recoverInto(&delivery, event, ChannelEmail)

	if err := d.mailer.SendLeadNotification(ctx, event.TargetEmail, event.LeadName, event.EmailAction); err != nil {
		delivery.Err = err
		d.fail(event, ChannelEmail, err)
		return delivery
	}
	d.record(ChannelEmail, "sent")
	return delivery
}

func (d *Dispatcher) publish(ctx context.Context, event Event) (delivery Delivery) {
	if d.publisher == nil {
		d.record(ChannelRealtime, "skipped")
		return Delivery{}
	}
	delivery.Attempted = true
	defer d.recoverInto(&delivery, event, ChannelRealtime)

	payload, err := Payload(event)
	if err != nil {
		delivery.Err = err
		d.fail(event, ChannelRealtime, err)
		return delivery
	}
	if err := d.publisher.Publish(ctx, event.TargetUserID, payload); err != nil {
		delivery.Err = err
		d.fail(event, ChannelRealtime, err)
		return delivery
	}
	d.record(ChannelRealtime, "sent")
	return delivery
}

func (d *Dispatcher) recoverInto(delivery *Delivery, event Event, channel string) {
	if r := recover(); r != nil {
		delivery.Err = fmt.Errorf("%s notification panicked: %v", channel, r)
		d.logger.Error("notification panic",
			slog.String("kind", string(event.Kind)),
			slog.String("channel", channel),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
		d.record(channel, "failed")
	}
}

func (d *Dispatcher) fail(event Event, channel string, err error) {
	d.logger.Warn("notification delivery failed",
		slog.String("kind", string(event.Kind)),
		slog.String("channel", channel),
		slog.String("target_user_id", event.TargetUserID),
		slog.String("error", err.Error()),
	)
	d.record(channel, "failed")
}

func (d *Dispatcher) record(channel, outcome string) {
	if d.recorder != nil {
		d.recorder.RecordNotification(channel, outcome)
	}
}

// Payload renders {type, message, <entity>: record}.
func Payload(event Event) ([]byte, error) {
	body := map[string]any{
		"type":    string(event.Kind),
		"message": event.Message,
	}
	if event.EntityKey != "" {
		body[event.EntityKey] = event.Record
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event.Kind, err)
	}
	return payload, nil
}
