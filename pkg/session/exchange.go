package session

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type endReason int

const (
	reasonNone endReason = iota
	reasonCancelled
	reasonSuperseded
)

// exchange is the cancellation token of one send. The transport and the
// dispatch loop both observe ctx; results of an exchange that is no longer
// the session's current one are discarded.
type exchange struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason endReason
}

func newExchange(parent context.Context) *exchange {
	id, err := gonanoid.New()
	if err != nil {
		id = "exchange"
	}
	ctx, cancel := context.WithCancel(parent)
	return &exchange{id: id, ctx: ctx, cancel: cancel}
}

// abort signals the token. The first reason wins.
func (e *exchange) abort(reason endReason) {
	e.mu.Lock()
	if e.reason == reasonNone {
		e.reason = reason
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *exchange) endReason() endReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}

// release frees the context once the exchange is over.
func (e *exchange) release() {
	e.cancel()
}
