// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/events"
)

// subscribe handles a "sub" message. The subscription starts paused and
// is released once its "ready" reply has reached the writer, so the
// replayed snapshot never overtakes it.
func (c *connection) subscribe(message *request) reply {
	id := message.subscriptionID()
	if id == "" || message.Name == "" {
		return c.errorReply(message.rawID(), apierror.Call(apierror.EINVAL, "Subscriptions need an id and a name"))
	}
	if err := c.authorizeSubscription(message.Name); err != nil {
		return c.nosub(id, err)
	}

	c.subsMu.Lock()
	_, exists := c.subs[id]
	c.subsMu.Unlock()
	if exists {
		return c.nosub(id, apierror.Call(apierror.EEXIST, "Subscription %s already exists", id))
	}

	request := events.SubscribeRequest{
		Pattern:      message.Name,
		Filters:      message.Filters,
		AllowPrivate: dispatch.Private(c.session),
		Paused:       true,
	}
	if c.server.subscriptionAccess != nil {
		request.Access = c.server.subscriptionAccess(c.session, message.Name)
	}
	request.Deliver = func(event events.Event) {
		if event.Dropped {
			c.dropSubscription(id)
			c.send(mustMarshal(nosubMessage{Msg: "nosub", ID: id, Error: wirePtr(apierror.Call(apierror.ECANCELED, "Subscriber fell behind and was dropped"))}))
			return
		}
		c.send(mustMarshal(eventMessage{
			Msg:        eventMsg(event),
			Collection: event.Topic,
			ID:         event.ID,
			Fields:     event.Fields,
		}))
	}
	subscription, err := c.server.bus.Subscribe(request)
	if err != nil {
		return c.nosub(id, err)
	}

	c.subsMu.Lock()
	c.subs[id] = subscription
	c.subsMu.Unlock()
	return reply{
		data:  mustMarshal(readyMessage{Msg: "ready", Subs: []string{id}}),
		after: subscription.Start,
	}
}

// authorizeSubscription admits full admins, holders of a role granting
// SUBSCRIBE on the topic, and any authenticated caller for topics that
// no role guards.
func (c *connection) authorizeSubscription(topic string) error {
	credential := c.session.Credential()
	if credential == nil {
		return apierror.NotAuthenticated()
	}
	if credential.FullAdmin() || credential.Authorize(auth.VerbSubscribe, topic) {
		return nil
	}
	if len(c.server.dispatcher.Roles().RolesForEvent(topic)) == 0 {
		return nil
	}
	return apierror.NotAuthorized()
}

func (c *connection) nosub(id string, err error) reply {
	return reply{data: mustMarshal(nosubMessage{Msg: "nosub", ID: id, Error: wirePtr(err)})}
}

func (c *connection) unsubscribe(id string) {
	c.subsMu.Lock()
	subscription, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		subscription.Cancel()
	}
}

// dropSubscription forgets a subscription the bus already removed.
func (c *connection) dropSubscription(id string) {
	c.subsMu.Lock()
	delete(c.subs, id)
	c.subsMu.Unlock()
}

func (c *connection) closeSubscriptions() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = map[string]*events.Subscription{}
	c.subsMu.Unlock()
	for _, subscription := range subs {
		subscription.Close()
	}
}

func wirePtr(err error) *apierror.Wire {
	wire := apierror.From(err).ToWire(false)
	return &wire
}
