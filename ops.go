package pqbroker

import "context"

// The tool surface: one operation per broker capability, each taking a flat
// request and returning a structured response. Errors never propagate past
// this boundary; they are folded into the response as data.

// ErrorPayload is the structured error half of a response.
type ErrorPayload struct {
	Kind    string `json:"kind"` // validation, precondition, not_found or backend
	Message string `json:"message"`
}

// Response is the envelope every operation returns.
type Response struct {
	OK    bool          `json:"ok"`
	Data  interface{}   `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// Respond folds a result and error into a response envelope.
func Respond(data interface{}, err error) Response {
	if err == nil {
		return Response{OK: true, Data: data}
	}
	return Response{OK: false, Error: &ErrorPayload{Kind: classify(err), Message: err.Error()}}
}

func classify(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case IsPrecondition(err):
		return "precondition"
	case IsNotFound(err):
		return "not_found"
	default:
		return "backend"
	}
}

// Ops exposes the broker to a tool-dispatch layer.
type Ops struct {
	b *Broker
}

// NewOps wraps a broker in its tool surface.
func NewOps(b *Broker) *Ops {
	return &Ops{b: b}
}

// PublishRequest publishes one message to a channel.
type PublishRequest struct {
	Channel string                 `json:"channel"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Event   string                 `json:"event,omitempty"`
}

// ListRequest pages through a channel's history.
type ListRequest struct {
	Channel string `json:"channel"`
	ListOptions
}

// ListResult is the page plus pagination metadata.
type ListResult struct {
	Messages []Message `json:"messages"`
	Total    int64     `json:"total"`
}

// CreateChannelRequest creates a channel by publishing its system message.
type CreateChannelRequest struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SubscribeRequest registers a push subscription. The handler is in-process
// and therefore not part of the wire request.
type SubscribeRequest struct {
	Channel string                 `json:"channel"`
	Event   string                 `json:"event,omitempty"`
	Filter  map[string]interface{} `json:"filter,omitempty"`
}

// PolicyUpdateRequest renames or recreates a policy.
type PolicyUpdateRequest struct {
	Name string `json:"name"`
	PolicyPatch
}

func (o *Ops) Status(ctx context.Context) Response {
	st, err := o.b.Status(ctx)
	return Respond(st, err)
}

func (o *Ops) Enable(ctx context.Context, req EnableOptions) Response {
	st, err := o.b.Enable(ctx, req)
	return Respond(st, err)
}

func (o *Ops) Disable(ctx context.Context) Response {
	st, err := o.b.Disable(ctx)
	return Respond(st, err)
}

func (o *Ops) Publish(ctx context.Context, req PublishRequest) Response {
	msg, err := o.b.Publish(ctx, req.Channel, req.Payload, req.Event)
	return Respond(msg, err)
}

func (o *Ops) List(ctx context.Context, req ListRequest) Response {
	messages, total, err := o.b.List(ctx, req.Channel, req.ListOptions)
	return Respond(ListResult{Messages: messages, Total: total}, err)
}

func (o *Ops) Purge(ctx context.Context, channel string) Response {
	n, err := o.b.Purge(ctx, channel)
	return Respond(map[string]int64{"deleted": n}, err)
}

func (o *Ops) CreateChannel(ctx context.Context, req CreateChannelRequest) Response {
	msg, err := o.b.CreateChannel(ctx, req.ID, req.Type, req.Metadata)
	return Respond(msg, err)
}

func (o *Ops) DeleteChannel(ctx context.Context, id string) Response {
	n, err := o.b.DeleteChannel(ctx, id)
	return Respond(map[string]int64{"deleted": n}, err)
}

func (o *Ops) ChannelDetails(ctx context.Context, id string) Response {
	ch, err := o.b.ChannelDetails(ctx, id)
	return Respond(ch, err)
}

func (o *Ops) Channels(ctx context.Context) Response {
	channels, err := o.b.Channels(ctx)
	return Respond(channels, err)
}

func (o *Ops) Subscribe(ctx context.Context, req SubscribeRequest, handler NotificationHandler) Response {
	sub, err := o.b.Subscribe(ctx, req.Channel, req.Event, req.Filter, handler)
	return Respond(sub, err)
}

func (o *Ops) Unsubscribe(ctx context.Context, channel string) Response {
	n, err := o.b.Unsubscribe(ctx, channel)
	return Respond(map[string]int{"removed": n}, err)
}

func (o *Ops) Subscriptions() Response {
	return Respond(o.b.Subscriptions(), nil)
}

func (o *Ops) ListPolicies(ctx context.Context, filter PolicyFilter) Response {
	policies, err := o.b.ListPolicies(ctx, filter)
	return Respond(policies, err)
}

func (o *Ops) CreatePolicy(ctx context.Context, spec Policy) Response {
	p, err := o.b.CreatePolicy(ctx, spec)
	return Respond(p, err)
}

func (o *Ops) UpdatePolicy(ctx context.Context, req PolicyUpdateRequest) Response {
	p, err := o.b.UpdatePolicy(ctx, req.Name, req.PolicyPatch)
	return Respond(p, err)
}

func (o *Ops) DeletePolicy(ctx context.Context, name string, ifExists bool) Response {
	err := o.b.DeletePolicy(ctx, name, ifExists)
	return Respond(map[string]bool{"deleted": err == nil}, err)
}
