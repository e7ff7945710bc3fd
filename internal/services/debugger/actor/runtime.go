package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/intercept"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/queue"
)

const defaultIdleWait = 50 * time.Millisecond

// Interceptor is consulted before every delivery.
type Interceptor interface {
	OnSend(ctx context.Context, payload envelope.Payload, sender *envelope.AgentID, recipient envelope.AgentID, correlationID string) (envelope.Payload, intercept.Decision)
	OnPublish(ctx context.Context, payload envelope.Payload, sender *envelope.AgentID, topic envelope.TopicID, correlationID string) (envelope.Payload, intercept.Decision)
	OnResponse(ctx context.Context, payload envelope.Payload, sender envelope.AgentID, recipient *envelope.AgentID) (envelope.Payload, intercept.Decision)
}

// AgentInfo lists a known agent.
type AgentInfo struct {
	ID           envelope.AgentID `json:"id"`
	Instantiated bool             `json:"instantiated"`
}

// Subscription routes broadcasts on TopicType to the agent of AgentType whose
// key is the topic source.
type Subscription struct {
	TopicType string `json:"topic_type"`
	AgentType string `json:"agent_type"`
}

type agentCell struct {
	mu    sync.Mutex
	agent Agent
}

// Runtime queues messages and delivers them one at a time.
type Runtime struct {
	factoriesMu sync.RWMutex
	factories   map[string]Factory
	subs        []Subscription

	agentsMu sync.Mutex
	agents   map[envelope.AgentID]*agentCell

	queueMu sync.Mutex
	queue   []envelope.Envelope
	wake    chan struct{}

	// deliverMu is held for the whole of one delivery.
	deliverMu   sync.Mutex
	interceptor Interceptor

	loopMu  sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	idle    time.Duration
}

// New returns an empty runtime.
func New() *Runtime {
	return &Runtime{
		factories: map[string]Factory{},
		agents:    map[envelope.AgentID]*agentCell{},
		wake:      make(chan struct{}, 1),
		idle:      defaultIdleWait,
	}
}

// SetInterceptor installs the hooks consulted before each delivery.
func (r *Runtime) SetInterceptor(i Interceptor) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	r.interceptor = i
}

// Register makes agentType deliverable.
func (r *Runtime) Register(agentType string, factory Factory) error {
	if agentType == "" || factory == nil {
		return errors.New("agent type and factory are required")
	}
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	if _, ok := r.factories[agentType]; ok {
		return fmt.Errorf("agent type %q already registered", agentType)
	}
	r.factories[agentType] = factory
	return nil
}

// Subscribe routes broadcasts on topicType to agentType.
func (r *Runtime) Subscribe(topicType, agentType string) error {
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	if _, ok := r.factories[agentType]; !ok {
		return unknownAgent(agentType)
	}
	for _, s := range r.subs {
		if s.TopicType == topicType && s.AgentType == agentType {
			return nil
		}
	}
	r.subs = append(r.subs, Subscription{TopicType: topicType, AgentType: agentType})
	return nil
}

// Subscriptions lists topic routes in registration order.
func (r *Runtime) Subscriptions() []Subscription {
	r.factoriesMu.RLock()
	defer r.factoriesMu.RUnlock()
	return append([]Subscription(nil), r.subs...)
}

// AgentTypes lists registered agent types.
func (r *Runtime) AgentTypes() []string {
	r.factoriesMu.RLock()
	defer r.factoriesMu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Agents lists instantiated agents.
func (r *Runtime) Agents() []AgentInfo {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, AgentInfo{ID: id, Instantiated: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// AgentState returns the saved state of id. Instantiated is false when the
// agent is registered but has not received a message yet.
func (r *Runtime) AgentState(ctx context.Context, id envelope.AgentID) (state json.RawMessage, instantiated bool, err error) {
	if !r.registered(id.Type) {
		return nil, false, unknownAgent(id.String())
	}
	r.agentsMu.Lock()
	cell, ok := r.agents[id]
	r.agentsMu.Unlock()
	if !ok {
		return nil, false, nil
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	state, err = cell.agent.SaveState(ctx)
	return state, true, err
}

// Send queues a directed message.
func (r *Runtime) Send(ctx context.Context, recipient envelope.AgentID, payload envelope.Payload, sender *envelope.AgentID) error {
	if !r.registered(recipient.Type) {
		return unknownAgent(recipient.String())
	}
	return r.enqueue(ctx, envelope.Directed{
		Payload:       payload,
		Sender:        sender,
		Recipient:     recipient,
		CorrelationID: uuid.NewString(),
	})
}

// Publish queues a broadcast.
func (r *Runtime) Publish(ctx context.Context, topic envelope.TopicID, payload envelope.Payload, sender *envelope.AgentID) error {
	return r.enqueue(ctx, envelope.Broadcast{
		Payload:       payload,
		Sender:        sender,
		Topic:         topic,
		CorrelationID: uuid.NewString(),
	})
}

// Resend queues env at the back of the pending queue with a fresh
// correlation id.
func (r *Runtime) Resend(ctx context.Context, env envelope.Envelope) error {
	env = envelope.Fold(env,
		func(d envelope.Directed) envelope.Envelope {
			if d.CorrelationID == "" {
				d.CorrelationID = uuid.NewString()
			}
			return d
		},
		func(b envelope.Broadcast) envelope.Envelope {
			if b.CorrelationID == "" {
				b.CorrelationID = uuid.NewString()
			}
			return b
		},
		func(rep envelope.Reply) envelope.Envelope { return rep },
	)
	return r.enqueue(ctx, env)
}

func (r *Runtime) enqueue(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.queueMu.Lock()
	r.queue = append(r.queue, env)
	r.queueMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the undelivered queue in delivery order.
func (r *Runtime) Pending() []envelope.Envelope {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return append([]envelope.Envelope(nil), r.queue...)
}

// PendingLen returns the number of undelivered messages.
func (r *Runtime) PendingLen() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// PendingReplace swaps the payload at index in place.
func (r *Runtime) PendingReplace(index int, payload envelope.Payload) error {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if index < 0 || index >= len(r.queue) {
		return queue.OutOfRange(index, len(r.queue))
	}
	r.queue[index] = envelope.WithMessage(r.queue[index], payload)
	return nil
}

// StepOne delivers the message at the front of the queue. It reports false
// when the queue was empty. A dropped message counts as a step.
func (r *Runtime) StepOne(ctx context.Context) (bool, error) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.queueMu.Lock()
	if len(r.queue) == 0 {
		r.queueMu.Unlock()
		return false, nil
	}
	env := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.queueMu.Unlock()

	return true, r.deliver(ctx, env)
}

func (r *Runtime) deliver(ctx context.Context, env envelope.Envelope) error {
	return envelope.Fold(env,
		func(d envelope.Directed) error {
			payload, decision := r.hookSend(ctx, d)
			if decision == intercept.Drop {
				return nil
			}
			resp, err := r.handle(ctx, d.Recipient, payload, MessageContext{
				Sender:        d.Sender,
				CorrelationID: d.CorrelationID,
			})
			if err != nil || resp == nil {
				return err
			}
			return r.enqueue(ctx, envelope.Reply{Payload: *resp, Sender: d.Recipient, Recipient: d.Sender})
		},
		func(b envelope.Broadcast) error {
			payload, decision := r.hookPublish(ctx, b)
			if decision == intercept.Drop {
				return nil
			}
			var errs []error
			for _, id := range r.subscribers(b.Topic) {
				if b.Sender != nil && *b.Sender == id {
					continue
				}
				topic := b.Topic
				if _, err := r.handle(ctx, id, payload, MessageContext{
					Sender:        b.Sender,
					Topic:         &topic,
					CorrelationID: b.CorrelationID,
				}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
		func(rep envelope.Reply) error {
			payload, decision := r.hookResponse(ctx, rep)
			if decision == intercept.Drop || rep.Recipient == nil {
				return nil
			}
			sender := rep.Sender
			_, err := r.handle(ctx, *rep.Recipient, payload, MessageContext{Sender: &sender, IsReply: true})
			return err
		},
	)
}

func (r *Runtime) hookSend(ctx context.Context, d envelope.Directed) (envelope.Payload, intercept.Decision) {
	if r.interceptor == nil {
		return d.Payload, intercept.Deliver
	}
	return r.interceptor.OnSend(ctx, d.Payload, d.Sender, d.Recipient, d.CorrelationID)
}

func (r *Runtime) hookPublish(ctx context.Context, b envelope.Broadcast) (envelope.Payload, intercept.Decision) {
	if r.interceptor == nil {
		return b.Payload, intercept.Deliver
	}
	return r.interceptor.OnPublish(ctx, b.Payload, b.Sender, b.Topic, b.CorrelationID)
}

func (r *Runtime) hookResponse(ctx context.Context, rep envelope.Reply) (envelope.Payload, intercept.Decision) {
	if r.interceptor == nil {
		return rep.Payload, intercept.Deliver
	}
	return r.interceptor.OnResponse(ctx, rep.Payload, rep.Sender, rep.Recipient)
}

func (r *Runtime) handle(ctx context.Context, id envelope.AgentID, payload envelope.Payload, mc MessageContext) (*envelope.Payload, error) {
	cell, err := r.cell(id)
	if err != nil {
		return nil, err
	}
	mc.Self = id
	mc.Outbox = agentOutbox{runtime: r, self: id}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	resp, err := cell.agent.OnMessage(ctx, payload, mc)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return resp, nil
}

// cell returns the agent for id, creating it on first use.
func (r *Runtime) cell(id envelope.AgentID) (*agentCell, error) {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	if cell, ok := r.agents[id]; ok {
		return cell, nil
	}
	r.factoriesMu.RLock()
	factory, ok := r.factories[id.Type]
	r.factoriesMu.RUnlock()
	if !ok {
		return nil, unknownAgent(id.String())
	}
	agent, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", id, err)
	}
	cell := &agentCell{agent: agent}
	r.agents[id] = cell
	return cell, nil
}

func (r *Runtime) subscribers(topic envelope.TopicID) []envelope.AgentID {
	r.factoriesMu.RLock()
	defer r.factoriesMu.RUnlock()
	var out []envelope.AgentID
	for _, s := range r.subs {
		if s.TopicType == topic.Type {
			out = append(out, envelope.AgentID{Type: s.AgentType, Key: topic.Source})
		}
	}
	return out
}

func (r *Runtime) registered(agentType string) bool {
	r.factoriesMu.RLock()
	defer r.factoriesMu.RUnlock()
	_, ok := r.factories[agentType]
	return ok
}

func unknownAgent(agent string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeUnknownAgent, "unknown agent "+agent,
		map[string]string{"agent": agent})
}
