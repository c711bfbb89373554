// Package publish forwards tracker snapshots to message brokers and accepts
// remote commands.
package publish

import (
	"context"
	"errors"
)

// ErrOffline is returned by a sink whose broker connection is down.
var ErrOffline = errors.New("publish: broker offline")

// Kind selects the topic or subject a message goes to.
type Kind int

const (
	KindStatus Kind = iota // full snapshot, retained
	KindFix                // latest fix only
)

func (k Kind) String() string {
	if k == KindFix {
		return "fix"
	}
	return "status"
}

// Message is one encoded payload.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Sink is a broker connection that can carry messages.
type Sink interface {
	Name() string
	Publish(ctx context.Context, m Message) error
	Online() bool
	Close()
}
