package isle

import (
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/archipelago/internal/types"
)

// Delivery is one message as seen from inside a handler. It bundles the
// message with the isle's env and, for requests, the one-shot reply path.
//
// A Delivery is only valid for the duration of the handler invocation and is
// never shared between goroutines.
type Delivery struct {
	env     *Env
	msg     *types.Message
	reply   func(req *types.Message, payload any, faultText string)
	replied bool
}

// newDelivery is called by the runtime for each dispatched message.
func newDelivery(env *Env, msg *types.Message, reply func(*types.Message, any, string)) *Delivery {
	return &Delivery{env: env, msg: msg, reply: reply}
}

// Sender returns the address the message came from.
func (d *Delivery) Sender() types.Address { return d.msg.Sender }

// Topic returns the topic that selected this handler.
func (d *Delivery) Topic() string { return d.msg.Topic }

// Payload returns the message payload. Payloads are immutable by contract;
// treat the value as read-only.
func (d *Delivery) Payload() any { return d.msg.Payload }

// Seq returns the message's global sequence number.
func (d *Delivery) Seq() uint64 { return d.msg.Seq }

// Time returns the router ingestion time.
func (d *Delivery) Time() time.Time { return time.UnixMilli(d.msg.TimestampMs) }

// Kind reports whether this is a plain send or a request.
func (d *Delivery) Kind() types.Kind { return d.msg.Kind }

// Corr returns the correlation id, empty for plain sends.
func (d *Delivery) Corr() string { return d.msg.Corr }

// Message returns a copy of the underlying message, for handlers that log or
// forward the whole envelope.
func (d *Delivery) Message() types.Message { return *d.msg }

// Env returns the isle's env, for sending from inside the handler.
func (d *Delivery) Env() *Env { return d.env }

// Reply answers a request. Only valid once, and only when Kind is
// KindRequest. A request handler that returns nil without calling Reply
// answers the caller with a nil payload; a handler error becomes a fault
// reply instead.
func (d *Delivery) Reply(payload any) error {
	if d.msg.Kind != types.KindRequest {
		return fmt.Errorf("reply to %s message: only requests can be answered", d.msg.Kind)
	}
	if d.replied {
		return errors.New("reply already sent for this delivery")
	}
	d.replied = true
	d.reply(d.msg, payload, "")
	return nil
}
