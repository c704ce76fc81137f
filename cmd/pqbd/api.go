package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/pqbroker/pqbroker"
	"github.com/pqbroker/pqbroker/metrics"
)

type api struct {
	broker *pqbroker.Broker
	ops    *pqbroker.Ops
	cfg    *config
	logger logrus.FieldLogger
}

func newAPI(b *pqbroker.Broker, cfg *config, logger logrus.FieldLogger) *api {
	return &api{
		broker: b,
		ops:    pqbroker.NewOps(b),
		cfg:    cfg,
		logger: logger,
	}
}

func (a *api) router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if a.cfg.Auth.JWTSecret != "" {
			r.Use(jwtAuthMiddleware(a.cfg.Auth.JWTSecret))
		}

		r.Get("/status", a.status)
		r.Post("/enable", a.enable)
		r.Post("/disable", a.disable)

		r.Get("/channels", a.listChannels)
		r.Post("/channels", a.createChannel)
		r.Get("/channels/{id}", a.channelDetails)
		r.Delete("/channels/{id}", a.deleteChannel)

		r.Post("/channels/{id}/messages", a.publish)
		r.Get("/channels/{id}/messages", a.listMessages)
		r.Delete("/channels/{id}/messages", a.purge)
		r.Get("/channels/{id}/events", a.streamEvents)

		r.Get("/subscriptions", a.listSubscriptions)
		r.Post("/subscriptions", a.subscribe)
		r.Delete("/subscriptions/{channel}", a.unsubscribe)

		r.Get("/policies", a.listPolicies)
		r.Post("/policies", a.createPolicy)
		r.Patch("/policies/{name}", a.updatePolicy)
		r.Delete("/policies/{name}", a.deletePolicy)
	})
	return r
}

// writeResponse maps the response envelope onto an HTTP status. The envelope
// itself already carries success or structured error; the status code is a
// convenience for plain HTTP clients.
func (a *api) writeResponse(w http.ResponseWriter, resp pqbroker.Response) {
	status := http.StatusOK
	if resp.Error != nil {
		switch resp.Error.Kind {
		case "validation":
			status = http.StatusBadRequest
		case "precondition":
			status = http.StatusConflict
		case "not_found":
			status = http.StatusNotFound
		default:
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.WithError(err).Errorln("encode response")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func badRequest(msg string) pqbroker.Response {
	return pqbroker.Response{Error: &pqbroker.ErrorPayload{Kind: "validation", Message: msg}}
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Status(r.Context()))
}

func (a *api) enable(w http.ResponseWriter, r *http.Request) {
	var req pqbroker.EnableOptions
	if err := decodeBody(r, &req); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	a.writeResponse(w, a.ops.Enable(r.Context(), req))
}

func (a *api) disable(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Disable(r.Context()))
}

func (a *api) listChannels(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Channels(r.Context()))
}

func (a *api) createChannel(w http.ResponseWriter, r *http.Request) {
	var req pqbroker.CreateChannelRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	a.writeResponse(w, a.ops.CreateChannel(r.Context(), req))
}

func (a *api) channelDetails(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.ChannelDetails(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) deleteChannel(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.DeleteChannel(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	var req pqbroker.PublishRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	req.Channel = chi.URLParam(r, "id")
	a.writeResponse(w, a.ops.Publish(r.Context(), req))
}

func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	req := pqbroker.ListRequest{Channel: chi.URLParam(r, "id")}
	q := r.URL.Query()
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))
	req.OrderBy = q.Get("order_by")
	req.Direction = q.Get("direction")
	req.Event = q.Get("event")
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeResponse(w, badRequest("start must be RFC 3339"))
			return
		}
		req.Start = &t
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeResponse(w, badRequest("end must be RFC 3339"))
			return
		}
		req.End = &t
	}
	a.writeResponse(w, a.ops.List(r.Context(), req))
}

func (a *api) purge(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Purge(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Subscriptions())
}

func (a *api) subscribe(w http.ResponseWriter, r *http.Request) {
	var req pqbroker.SubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	// daemon-registered subscriptions log matched notifications; live
	// consumers attach through the channel's event stream instead
	handler := func(n pqbroker.Notification) {
		a.logger.WithField("channel", n.Channel).WithField("operation", n.Operation).Infoln("notification")
	}
	a.writeResponse(w, a.ops.Subscribe(r.Context(), req, handler))
}

func (a *api) unsubscribe(w http.ResponseWriter, r *http.Request) {
	a.writeResponse(w, a.ops.Unsubscribe(r.Context(), chi.URLParam(r, "channel")))
}

func (a *api) listPolicies(w http.ResponseWriter, r *http.Request) {
	filter := pqbroker.PolicyFilter{
		Name:    r.URL.Query().Get("name"),
		Command: r.URL.Query().Get("command"),
	}
	a.writeResponse(w, a.ops.ListPolicies(r.Context(), filter))
}

func (a *api) createPolicy(w http.ResponseWriter, r *http.Request) {
	var spec pqbroker.Policy
	if err := decodeBody(r, &spec); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	a.writeResponse(w, a.ops.CreatePolicy(r.Context(), spec))
}

func (a *api) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req pqbroker.PolicyUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeResponse(w, badRequest("invalid request body"))
		return
	}
	req.Name = chi.URLParam(r, "name")
	a.writeResponse(w, a.ops.UpdatePolicy(r.Context(), req))
}

func (a *api) deletePolicy(w http.ResponseWriter, r *http.Request) {
	ifExists := r.URL.Query().Get("if_exists") == "true"
	a.writeResponse(w, a.ops.DeletePolicy(r.Context(), chi.URLParam(r, "name"), ifExists))
}

// streamEvents attaches a server-sent-events viewer to a channel. The viewer
// rides on a private subscription entry; disconnecting detaches only that
// entry and leaves the channel's trigger and other subscriptions alone.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	channel := chi.URLParam(r, "id")

	var filter map[string]interface{}
	if f := r.URL.Query().Get("filter"); f != "" {
		if err := json.Unmarshal([]byte(f), &filter); err != nil {
			a.writeResponse(w, badRequest("filter must be a JSON object"))
			return
		}
	}

	events := make(chan pqbroker.Notification, 16)
	sub, err := a.broker.Subscribe(r.Context(), channel, r.URL.Query().Get("event"), filter, func(n pqbroker.Notification) {
		select {
		case events <- n:
		default:
			// slow viewer; drop rather than stall the dispatch loop
		}
	})
	if err != nil {
		a.writeResponse(w, pqbroker.Respond(nil, err))
		return
	}
	defer a.broker.Detach(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-events:
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(n); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
