// Package transport moves envelopes between nodes.
//
// Delivery is at-least-once and ordered per sender and topic. Broadcasts are
// looped back to the sender, so a node sees its own candidacy, votes and
// claims exactly like everybody else's.
package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrClosed      = errors.New("transport: closed")
)

type Topic string

const (
	TopicJoin      Topic = "join"
	TopicLeave     Topic = "leave"
	TopicHealth    Topic = "health"
	TopicStatus    Topic = "status"
	TopicCandidacy Topic = "candidacy"
	TopicAck       Topic = "ack"
	TopicProposal  Topic = "proposal"
	TopicVote      Topic = "vote"
	// TopicSubmit carries new tasks to coordinators
	TopicSubmit Topic = "submit"
	// TopicTask carries dispatched tasks to workers
	TopicTask Topic = "task"
	// TopicResult carries results from workers to the leader
	TopicResult Topic = "result"
	// TopicDone carries final results to the task origin
	TopicDone Topic = "done"
	TopicLoad Topic = "load"
)

// Topics lists every topic a node subscribes to
var Topics = []Topic{
	TopicJoin, TopicLeave, TopicHealth, TopicStatus, TopicCandidacy,
	TopicAck, TopicProposal, TopicVote, TopicSubmit, TopicTask, TopicResult,
	TopicDone, TopicLoad,
}

// Envelope wraps one message. Payload is msgpack encoded.
type Envelope struct {
	Topic   Topic
	From    string
	To      string
	Payload []byte
	SentAt  time.Time
}

// NewEnvelope encodes v as the payload of a message from node from
func NewEnvelope(topic Topic, from string, v interface{}) (Envelope, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encode %s payload", topic)
	}

	return Envelope{Topic: topic, From: from, Payload: payload, SentAt: time.Now()}, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v interface{}) error {
	if err := msgpack.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload from %s", e.Topic, e.From)
	}
	return nil
}

// Transport is what a node needs from the network
type Transport interface {
	// Broadcast delivers to every known node including the sender
	Broadcast(ctx context.Context, e Envelope) error
	// Send delivers to one node, ErrUnknownPeer if it is not known
	Send(ctx context.Context, to string, e Envelope) error
	// Receive returns the inbound channel for a topic
	Receive(topic Topic) <-chan Envelope
	Close() error
}

// PeerBook is implemented by transports that need to be told where nodes are
type PeerBook interface {
	AddPeer(id, addr string)
	RemovePeer(id string)
}

// Join announces a node and where it can be reached
type Join struct {
	ID   string `msgpack:"id"`
	Addr string `msgpack:"addr"`
	Role string `msgpack:"role"`
}

// Heartbeat is a health sample with enough identity to re-register a node
// that was pruned while it was unreachable
type Heartbeat struct {
	ID      string    `msgpack:"id"`
	Addr    string    `msgpack:"addr"`
	Role    string    `msgpack:"role"`
	Healthy bool      `msgpack:"healthy"`
	At      time.Time `msgpack:"at"`
}

// Leave announces a graceful departure
type Leave struct {
	ID string `msgpack:"id"`
}

// Vote is one node's vote on a proposal
type Vote struct {
	ProposalID string `msgpack:"proposal_id"`
	VoterID    string `msgpack:"voter_id"`
}

// Load is a worker's authoritative in-flight task count
type Load struct {
	NodeID string `msgpack:"node_id"`
	Tasks  int    `msgpack:"tasks"`
}
