// Package debugger owns one debugging session: the actor runtime under test,
// its recorded timeline, and the operator operations over both.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/storage/blob"
	"github.com/louisbranch/rewind/internal/services/debugger/actor"
	"github.com/louisbranch/rewind/internal/services/debugger/archive"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/checkpoint"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/filter"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/intercept"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/ledger"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/queue"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/revert"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/score"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/sequencer"
	"github.com/louisbranch/rewind/internal/services/debugger/domain/session"
	"github.com/louisbranch/rewind/internal/services/debugger/scenario"
)

// Config builds a Debugger.
type Config struct {
	Team *scenario.Team
	// Scorer is optional; without one Score returns nil.
	Scorer score.Scorer
	// Blobs holds checkpoint states and saved manifests. Defaults to memory.
	Blobs blob.Store
	// Archive names the manifest used by Save and Restore.
	Archive string
	// Restore seeds the timeline from the saved manifest when one exists.
	Restore bool
	// Kickoff queues the team's start message when the timeline is empty.
	Kickoff bool
}

// Debugger serializes operator operations over one timeline.
type Debugger struct {
	team    *scenario.Team
	runtime *actor.Runtime
	blobs   blob.Store
	archive string

	seq         *sequencer.Sequencer
	ledger      *ledger.Ledger
	checkpoints checkpoint.Store
	sessions    *session.Store
	hooks       *intercept.Handler
	editor      *queue.Editor
	reverter    *revert.Manager

	// opMu serializes operator mutations.
	opMu sync.Mutex

	scorer     score.Scorer
	scoreMu    sync.Mutex
	scoreGen   uint64
	scoreValid bool
	scoreCache *score.Result

	feed *feed
}

// New builds the runtime for cfg.Team and wires interception, history and
// revert around it.
func New(ctx context.Context, cfg Config) (*Debugger, error) {
	if cfg.Team == nil {
		return nil, errors.New("team is required")
	}
	blobs := cfg.Blobs
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}

	var manifest archive.Manifest
	if cfg.Restore {
		m, err := archive.Load(ctx, blobs, cfg.Archive)
		switch {
		case errors.Is(err, archive.ErrNotFound):
			log.Printf("debugger: no saved timeline %q, starting fresh", cfg.Archive)
		case err != nil:
			return nil, fmt.Errorf("load timeline: %w", err)
		default:
			manifest = m
		}
	}

	rt := actor.New()
	if err := cfg.Team.Install(rt); err != nil {
		return nil, fmt.Errorf("install team: %w", err)
	}

	led, err := ledger.New(manifest.History)
	if err != nil {
		return nil, fmt.Errorf("seed history: %w", err)
	}
	checkpoints, err := checkpoint.NewBlobBacked(blobs, manifest.Checkpoints)
	if err != nil {
		return nil, fmt.Errorf("seed checkpoints: %w", err)
	}
	seq := sequencer.New(0)
	if max, ok := manifest.MaxTimestamp(); ok {
		seq.SetFloor(max + 1)
	}

	d := &Debugger{
		team:        cfg.Team,
		runtime:     rt,
		blobs:       blobs,
		archive:     cfg.Archive,
		seq:         seq,
		ledger:      led,
		checkpoints: checkpoints,
		sessions:    session.Restore(manifest.Sessions, manifest.ResetFrom),
		scorer:      cfg.Scorer,
		feed:        newFeed(),
	}

	d.hooks, err = intercept.New(intercept.Config{
		Sequencer:       seq,
		Ledger:          led,
		Checkpoints:     checkpoints,
		Snapshotter:     rt,
		InvalidateScore: d.invalidateScore,
	})
	if err != nil {
		return nil, err
	}
	d.hooks.Observe(d.onIntercept)
	rt.SetInterceptor(d.hooks)

	d.editor = queue.NewEditor(rt)
	d.reverter, err = revert.New(revert.Config{
		Runtime:         rt,
		Ledger:          led,
		Checkpoints:     checkpoints,
		Sessions:        d.sessions,
		Score:           d.currentScore,
		InvalidateScore: d.invalidateScore,
	})
	if err != nil {
		return nil, err
	}

	if led.Len() > 0 {
		d.restoreLatest(ctx)
	} else if cfg.Kickoff {
		topic, payload, err := cfg.Team.StartMessage()
		if err != nil {
			return nil, err
		}
		if err := rt.Publish(ctx, topic, payload, nil); err != nil {
			return nil, fmt.Errorf("queue start message: %w", err)
		}
	}
	return d, nil
}

// restoreLatest loads the newest checkpoint of a seeded timeline.
func (d *Debugger) restoreLatest(ctx context.Context) {
	ts, state, err := d.checkpoints.LatestBefore(ctx, math.MaxUint64)
	if err != nil {
		log.Printf("debugger: no checkpoint to resume from: %v", err)
		return
	}
	if err := d.runtime.RestoreState(ctx, state); err != nil {
		log.Printf("debugger: restore checkpoint ts=%d: %v", ts, err)
		return
	}
	log.Printf("debugger: resumed from checkpoint ts=%d", ts)
}

func (d *Debugger) onIntercept(_ context.Context, n intercept.Notice) {
	if n.Dropped {
		rendered := envelope.Render(n.Envelope)
		d.feed.publish(FeedEvent{Type: FeedDropped, Event: &rendered})
		return
	}
	d.sessions.MarkNextStart(n.Timestamp)
	rendered := envelope.RenderEvent(envelope.TimestampedEvent{Envelope: n.Envelope, Timestamp: n.Timestamp})
	d.feed.publish(FeedEvent{Type: FeedRecorded, Event: &rendered})
}

// lock takes the operator lock unless a revert is running.
func (d *Debugger) lock() error {
	if d.reverter.Reverting() {
		return revert.Busy()
	}
	d.opMu.Lock()
	return nil
}

// Step delivers the next pending message. It reports false when nothing was
// pending.
func (d *Debugger) Step(ctx context.Context) (bool, error) {
	if err := d.lock(); err != nil {
		return false, err
	}
	defer d.opMu.Unlock()
	return d.runtime.StepOne(ctx)
}

// DropNext discards the next pending message without recording it. It is a
// no-op on an empty queue.
func (d *Debugger) DropNext(ctx context.Context) (bool, error) {
	if err := d.lock(); err != nil {
		return false, err
	}
	defer d.opMu.Unlock()
	if d.runtime.PendingLen() == 0 {
		return false, nil
	}
	d.hooks.DropNext()
	return d.runtime.StepOne(ctx)
}

// StartLoop delivers pending messages continuously in the background.
func (d *Debugger) StartLoop(ctx context.Context) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.opMu.Unlock()
	d.runtime.Start(ctx)
	running := true
	d.feed.publish(FeedEvent{Type: FeedLoop, Running: &running})
	return nil
}

// StopLoop ends background delivery after the in-flight message.
func (d *Debugger) StopLoop(ctx context.Context) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.opMu.Unlock()
	if err := d.runtime.Stop(ctx); err != nil {
		return err
	}
	running := false
	d.feed.publish(FeedEvent{Type: FeedLoop, Running: &running})
	return nil
}

// Status reports the scheduler state.
func (d *Debugger) Status(context.Context) (Status, error) {
	return Status{
		Running:        d.runtime.IsRunning(),
		Unprocessed:    d.runtime.PendingLen(),
		DropArmed:      d.hooks.DropPending(),
		Reverting:      d.reverter.Reverting(),
		CurrentSession: d.sessions.CurrentIndex(),
	}, nil
}

// Pending lists undelivered messages in delivery order.
func (d *Debugger) Pending(ctx context.Context) ([]PendingMessage, error) {
	items, err := d.editor.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PendingMessage, len(items))
	for i, item := range items {
		out[i] = PendingMessage{Index: item.Index, Message: envelope.Render(item.Envelope)}
	}
	return out, nil
}

// History lists recorded messages matching an AIP-160 filter.
func (d *Debugger) History(ctx context.Context, filterStr string) ([]envelope.Rendered, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pred, err := filter.Parse(filterStr)
	if err != nil {
		return nil, invalidArgument(err.Error())
	}
	return envelope.RenderEvents(d.ledger.Select(pred)), nil
}

// EditPending replaces the payload of the pending message at index.
func (d *Debugger) EditPending(ctx context.Context, index int, payload envelope.Payload) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.opMu.Unlock()
	return d.editor.ReplaceAt(ctx, index, payload)
}

// Revert rewinds to cutoff and sends that message again, edited when
// replacement is given.
func (d *Debugger) Revert(ctx context.Context, cutoff uint64, replacement *envelope.Payload) (RevertView, error) {
	if err := d.lock(); err != nil {
		return RevertView{}, err
	}
	defer d.opMu.Unlock()
	res, err := d.reverter.RevertTo(ctx, cutoff, replacement)
	if err != nil && res.Resent == nil {
		return RevertView{}, err
	}
	view := revertView(res)
	d.feed.publish(FeedEvent{Type: FeedReverted, Revert: &view})
	return view, err
}

// Checkpoints lists every checkpoint slot.
func (d *Debugger) Checkpoints(ctx context.Context) ([]checkpoint.Entry, error) {
	return d.checkpoints.Summary(ctx)
}

// Sessions returns archived sessions followed by the live one.
func (d *Debugger) Sessions(ctx context.Context) (SessionsView, error) {
	live := envelope.RenderEvents(d.ledger.All())
	return SessionsView{
		Current:  d.sessions.CurrentIndex(),
		Sessions: d.sessions.Current(live, d.currentScore(ctx)),
	}, nil
}

// Score evaluates the live timeline, reusing the last result until a new
// message is recorded.
func (d *Debugger) Score(ctx context.Context) (*score.Result, error) {
	if d.scorer == nil {
		return nil, nil
	}
	d.scoreMu.Lock()
	if d.scoreValid {
		cached := d.scoreCache
		d.scoreMu.Unlock()
		return cached, nil
	}
	gen := d.scoreGen
	d.scoreMu.Unlock()

	res, err := score.Run(ctx, d.scorer, d.ledger.All())
	if err != nil {
		return nil, err
	}

	d.scoreMu.Lock()
	defer d.scoreMu.Unlock()
	if gen == d.scoreGen {
		d.scoreCache, d.scoreValid = res, true
	}
	return res, nil
}

func (d *Debugger) currentScore(ctx context.Context) *score.Result {
	res, err := d.Score(ctx)
	if err != nil {
		log.Printf("debugger: score: %v", err)
		return nil
	}
	return res
}

func (d *Debugger) invalidateScore() {
	d.scoreMu.Lock()
	defer d.scoreMu.Unlock()
	d.scoreGen++
	d.scoreValid = false
	d.scoreCache = nil
}

// Publish queues an operator broadcast. A bare topic type uses the team's
// topic source.
func (d *Debugger) Publish(ctx context.Context, topic string, payload envelope.Payload) error {
	id, err := envelope.ParseTopicID(topic, d.team.Source)
	if err != nil {
		return invalidArgument(err.Error())
	}
	return d.runtime.Publish(ctx, id, payload.Clone(), nil)
}

// Send queues an operator message to one agent. A bare agent type uses the
// team's topic source as key.
func (d *Debugger) Send(ctx context.Context, recipient string, payload envelope.Payload) error {
	id, err := envelope.ParseAgentID(recipient, d.team.Source)
	if err != nil {
		return invalidArgument(err.Error())
	}
	return d.runtime.Send(ctx, id, payload.Clone(), nil)
}

// Agents lists every agent the team defines.
func (d *Debugger) Agents(context.Context) ([]AgentView, error) {
	live := map[string]bool{}
	for _, info := range d.runtime.Agents() {
		live[info.ID.String()] = true
	}
	var out []AgentView
	for _, agentType := range d.runtime.AgentTypes() {
		id := envelope.AgentID{Type: agentType, Key: d.team.Source}.String()
		out = append(out, AgentView{ID: id, Instantiated: live[id]})
		delete(live, id)
	}
	for id := range live {
		out = append(out, AgentView{ID: id, Instantiated: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AgentState returns one agent's saved state.
func (d *Debugger) AgentState(ctx context.Context, agent string) (AgentStateView, error) {
	id, err := envelope.ParseAgentID(agent, d.team.Source)
	if err != nil {
		return AgentStateView{}, invalidArgument(err.Error())
	}
	state, instantiated, err := d.runtime.AgentState(ctx, id)
	if err != nil {
		return AgentStateView{}, err
	}
	return AgentStateView{ID: id.String(), Instantiated: instantiated, State: state}, nil
}

// Topics lists the topics the team listens on.
func (d *Debugger) Topics(context.Context) ([]string, error) {
	var out []string
	for _, t := range d.team.Topics() {
		out = append(out, t.String())
	}
	return out, nil
}

// MessageTypes documents the payloads the team exchanges.
func (d *Debugger) MessageTypes(context.Context) ([]scenario.MessageType, error) {
	return d.team.MessageTypes(), nil
}

// Save writes the timeline to the blob store.
func (d *Debugger) Save(ctx context.Context) error {
	if err := d.lock(); err != nil {
		return err
	}
	defer d.opMu.Unlock()
	entries, err := d.checkpoints.Summary(ctx)
	if err != nil {
		return err
	}
	err = archive.Save(ctx, d.blobs, d.archive, archive.Manifest{
		History:     d.ledger.All(),
		Sessions:    d.sessions.All(),
		ResetFrom:   d.sessions.ResetFrom(),
		Checkpoints: entries,
	}, d.checkpoints)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, "save timeline", err)
	}
	return nil
}

// Subscribe streams live feed events until cancel is called.
func (d *Debugger) Subscribe() (<-chan FeedEvent, func()) {
	return d.feed.subscribe()
}

// Close stops background delivery and ends every feed subscription.
func (d *Debugger) Close(ctx context.Context) error {
	err := d.runtime.Stop(ctx)
	d.feed.close()
	return err
}

func invalidArgument(reason string) *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeInvalidArgument, reason, map[string]string{"reason": reason})
}
