package task

import (
	"context"
	"time"

	"github.com/enascvm/admiral/pkg/types"
)

// message is one transition request delivered to a task's actor
type message struct {
	ctx      context.Context
	subStage types.SubStage
	patch    Patch

	// start moves a freshly created task out of CREATED
	start bool
	// resume re-enters the last durable sub-stage after a restart
	resume bool

	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

func (m message) respond(r Result, err error) {
	if m.reply != nil {
		m.reply <- outcome{result: r, err: err}
	}
}

// actor serializes every message addressed to one task id. Its queue is
// unbounded so handlers can send to their own task without blocking.
type actor struct {
	id     string
	queue  []message
	signal chan struct{}
}

// enqueue appends msg to the task's mailbox, starting an actor if the
// task has none
func (e *Engine) enqueue(id string, msg message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		msg.respond(Result{}, context.Canceled)
		return
	}

	a, ok := e.actors[id]
	if !ok {
		a = &actor{id: id, signal: make(chan struct{}, 1)}
		e.actors[id] = a
		e.wg.Add(1)
		go e.run(a)
	}
	a.queue = append(a.queue, msg)

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// pop removes the head of the mailbox
func (e *Engine) pop(a *actor) (message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(a.queue) == 0 {
		return message{}, false
	}
	msg := a.queue[0]
	a.queue[0] = message{}
	a.queue = a.queue[1:]
	return msg, true
}

// retire unregisters an idle actor. It fails if a message slipped in
// after the idle timer fired; the check and the removal share the
// engine lock so enqueue never appends to a retired actor.
func (e *Engine) retire(a *actor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(a.queue) > 0 {
		return false
	}
	delete(e.actors, a.id)
	return true
}

func (e *Engine) run(a *actor) {
	defer e.wg.Done()

	idle := time.NewTimer(e.cfg.MailboxIdleTimeout)
	defer idle.Stop()

	for {
		for {
			msg, ok := e.pop(a)
			if !ok {
				break
			}
			e.process(a.id, msg)
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(e.cfg.MailboxIdleTimeout)

		select {
		case <-a.signal:
		case <-idle.C:
			if e.retire(a) {
				return
			}
		case <-e.ctx.Done():
			e.drain(a)
			return
		}
	}
}

// drain answers every pending message after the engine stopped
func (e *Engine) drain(a *actor) {
	e.mu.Lock()
	pending := a.queue
	a.queue = nil
	delete(e.actors, a.id)
	e.mu.Unlock()

	for _, msg := range pending {
		msg.respond(Result{}, context.Canceled)
	}
}
