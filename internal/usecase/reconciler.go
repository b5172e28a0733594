package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"supernova/internal/domain"
)

// maxDraftsPerStream bounds how many tool call drafts one stream may open.
// Fragments that would open a draft past this bound are dropped and counted.
const maxDraftsPerStream = 50

// ReconcileOutcome says what a draft is ready for.
type ReconcileOutcome int

const (
	// OutcomeBuffering means the draft still lacks a name or arguments.
	OutcomeBuffering ReconcileOutcome = iota
	// OutcomeReady means the draft has a name and arguments. Mid-stream this
	// is only a hint; after Finalize it means the arguments parsed.
	OutcomeReady
	// OutcomeMalformed means the stream ended with unparseable arguments and
	// the raw buffer was kept under raw_args.
	OutcomeMalformed
)

func (o ReconcileOutcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "buffering"
	}
}

// EventKind classifies what an ingested delta produced.
type EventKind int

const (
	EventNone EventKind = iota
	EventContent
	EventToolCalls
)

// DraftSnapshot is a read-only view of a draft at one point of the stream.
type DraftSnapshot struct {
	ID        string
	Name      string
	Arguments string
	Ready     bool
	Outcome   ReconcileOutcome
}

// ReconcileEvent is returned by every Ingest call.
type ReconcileEvent struct {
	Kind EventKind
	// Content is the fragment carried by this delta; Accumulated is the total so far.
	Content     string
	Accumulated string
	Drafts      []DraftSnapshot
}

// ToolCallDraft accumulates one tool call across fragments.
// The name is set once; the argument buffer only grows.
type ToolCallDraft struct {
	ID        string
	Name      string
	args      strings.Builder
	synthetic bool
}

// Arguments returns the argument text received so far.
func (d *ToolCallDraft) Arguments() string { return d.args.String() }

// Ready reports whether both a name and some argument text have arrived.
func (d *ToolCallDraft) Ready() bool {
	return d.Name != "" && d.args.Len() > 0
}

func (d *ToolCallDraft) snapshot() DraftSnapshot {
	s := DraftSnapshot{ID: d.ID, Name: d.Name, Arguments: d.args.String(), Ready: d.Ready()}
	if s.Ready {
		s.Outcome = OutcomeReady
	}
	return s
}

// Resolve converts the draft into a ToolCall. It never fails: unparseable
// arguments are wrapped as {raw_args: buffer} and reported as malformed.
func (d *ToolCallDraft) Resolve() (domain.ToolCall, ReconcileOutcome) {
	call := domain.ToolCall{ID: d.ID, Name: d.Name}
	buf := d.args.String()

	if strings.TrimSpace(buf) == "" {
		call.Arguments = map[string]any{}
		if d.Name == "" {
			return call, OutcomeBuffering
		}
		return call, OutcomeReady
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(buf), &args); err != nil || args == nil {
		call.Arguments = map[string]any{domain.RawArgsKey: buf}
		call.RawArguments = buf
		return call, OutcomeMalformed
	}
	call.Arguments = args
	if d.Name == "" {
		return call, OutcomeBuffering
	}
	return call, OutcomeReady
}

// StreamReconciler merges canonical stream deltas into content text and
// complete tool calls. One reconciler serves exactly one stream; every
// chunk must be ingested once, as no deduplication happens here.
type StreamReconciler struct {
	content strings.Builder
	drafts  []*ToolCallDraft // first-seen order
	byID    map[string]*ToolCallDraft
	byIndex map[int]*ToolCallDraft
	last    *ToolCallDraft
	usage   *domain.Usage
	dropped int
	newID   func() string
}

// NewStreamReconciler creates an empty reconciler.
func NewStreamReconciler() *StreamReconciler {
	return &StreamReconciler{
		byID:    make(map[string]*ToolCallDraft),
		byIndex: make(map[int]*ToolCallDraft),
		newID:   func() string { return "call_" + uuid.NewString() },
	}
}

// Ingest merges one delta and reports what changed.
func (r *StreamReconciler) Ingest(delta domain.StreamDelta) ReconcileEvent {
	if delta.Usage != nil {
		u := *delta.Usage
		r.usage = &u
	}

	switch {
	case delta.Content != "":
		r.content.WriteString(delta.Content)
		return ReconcileEvent{
			Kind:        EventContent,
			Content:     delta.Content,
			Accumulated: r.content.String(),
		}
	case delta.ToolCall != nil:
		d := r.resolve(delta.ToolCall)
		if d == nil {
			r.dropped++
			return ReconcileEvent{Kind: EventNone}
		}
		if d.Name == "" && delta.ToolCall.Name != "" {
			d.Name = delta.ToolCall.Name
		}
		d.args.WriteString(delta.ToolCall.ArgumentsFragment)
		r.last = d
		return ReconcileEvent{Kind: EventToolCalls, Drafts: []DraftSnapshot{d.snapshot()}}
	default:
		return ReconcileEvent{Kind: EventNone}
	}
}

// resolve finds or creates the draft a fragment belongs to.
func (r *StreamReconciler) resolve(f *domain.ToolCallFragment) *ToolCallDraft {
	if f.ID != "" {
		if d, ok := r.byID[f.ID]; ok {
			return d
		}
	}

	if f.Index != nil {
		if d, ok := r.byIndex[*f.Index]; ok {
			switch {
			case f.ID == "":
				return d
			case d.synthetic:
				// A draft opened without an id takes the provider id once it shows up.
				delete(r.byID, d.ID)
				d.ID = f.ID
				d.synthetic = false
				r.byID[d.ID] = d
				return d
			}
			// Same index, different provider id: a new call.
		}
	}

	// Continuation fragment with neither id nor index.
	if f.ID == "" && f.Index == nil && r.last != nil {
		return r.last
	}

	if len(r.drafts) >= maxDraftsPerStream {
		return nil
	}

	d := &ToolCallDraft{ID: f.ID}
	if d.ID == "" {
		d.ID = r.newID()
		d.synthetic = true
	}
	r.drafts = append(r.drafts, d)
	r.byID[d.ID] = d
	if f.Index != nil {
		r.byIndex[*f.Index] = d
	}
	return d
}

// Drafts returns snapshots of every draft in first-seen order.
func (r *StreamReconciler) Drafts() []DraftSnapshot {
	out := make([]DraftSnapshot, 0, len(r.drafts))
	for _, d := range r.drafts {
		out = append(out, d.snapshot())
	}
	return out
}

// DroppedFragments counts fragments discarded because the stream already
// held maxDraftsPerStream drafts.
func (r *StreamReconciler) DroppedFragments() int { return r.dropped }

// Content returns the accumulated content so far.
func (r *StreamReconciler) Content() string { return r.content.String() }

// Finalize converts the stream into a response. It is called once, after
// the transport stream ends, and never fails.
func (r *StreamReconciler) Finalize() *domain.ChatResponse {
	resp, _ := r.FinalizeWithOutcomes()
	return resp
}

// FinalizeWithOutcomes is Finalize plus the per-call outcome, index-aligned
// with the returned tool calls.
func (r *StreamReconciler) FinalizeWithOutcomes() (*domain.ChatResponse, []ReconcileOutcome) {
	now := time.Now()
	resp := &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   r.content.String(),
			Timestamp: now,
		},
		CreatedAt: now,
	}
	if r.usage != nil {
		resp.Usage = *r.usage
	}

	var outcomes []ReconcileOutcome
	for _, d := range r.drafts {
		call, outcome := d.Resolve()
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
		outcomes = append(outcomes, outcome)
	}
	return resp, outcomes
}
