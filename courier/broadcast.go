package courier

import (
	"context"
	"errors"

	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/schema"
	"github.com/vinayprograms/agentbus/telemetry"
)

// BroadcastRequest describes one logical send to many agents.
type BroadcastRequest struct {
	From    string         `json:"from"`
	Type    schema.Type    `json:"type"`
	Payload map[string]any `json:"payload"`

	// Targets lists recipients. Empty means every registered agent except
	// the sender.
	Targets []string `json:"targets,omitempty"`

	// Filter narrows the recipients by capability and status.
	Filter *registry.Filter `json:"filter,omitempty"`

	Options SendOptions `json:"options,omitempty"`
}

// TargetResult is the outcome for one broadcast recipient.
type TargetResult struct {
	Target    string           `json:"target"`
	Success   bool             `json:"success"`
	MessageID string           `json:"messageId,omitempty"`
	Error     *buserrors.Error `json:"error,omitempty"`
}

// BroadcastResult summarizes a broadcast.
type BroadcastResult struct {
	Successful int            `json:"successful"`
	Total      int            `json:"total"`
	Results    []TargetResult `json:"results"`

	// NoTargets is set when no recipient matched. It is distinct from
	// every target failing.
	NoTargets bool `json:"noTargets,omitempty"`

	// Error is set when the whole call failed before fan-out.
	Error *buserrors.Error `json:"error,omitempty"`
}

// AllFailed reports whether there were targets and none succeeded.
func (r BroadcastResult) AllFailed() bool {
	return r.Total > 0 && r.Successful == 0
}

// Broadcast sends an independent copy of the message to each target.
// Delivery is best-effort: one failing target does not affect the others.
// The payload is validated once; a schema error fails the whole call.
func (c *Courier) Broadcast(ctx context.Context, req BroadcastRequest) BroadcastResult {
	ctx, span := c.tracer.StartBroadcastSpan(ctx, req.From, string(req.Type))
	res := c.broadcast(ctx, req)

	var err error
	if res.Error != nil {
		err = res.Error
	}
	c.tracer.EndBroadcastSpan(span, telemetry.BroadcastSpanOptions{
		Total:      res.Total,
		Successful: res.Successful,
		NoTargets:  res.NoTargets,
	}, err)
	return res
}

func (c *Courier) broadcast(ctx context.Context, req BroadcastRequest) BroadcastResult {
	if err := c.checkOpen(); err != nil {
		return BroadcastResult{Error: asBusError(err)}
	}
	if req.From == "" {
		return BroadcastResult{Error: buserrors.InvalidInput("sender is required")}
	}
	if v := schema.Validate(req.Type, req.Payload); !v.Valid {
		r := c.reject(req.From, "*", req.Type, "", v.Err())
		return BroadcastResult{Error: r.Error}
	}

	targets, failed, err := c.broadcastTargets(req)
	if err != nil {
		return BroadcastResult{Error: err}
	}

	res := BroadcastResult{Results: failed}
	for _, reg := range targets {
		if err := ctx.Err(); err != nil {
			res.Results = append(res.Results, TargetResult{
				Target: reg.ID,
				Error:  buserrors.Wrap(err, "broadcast interrupted", buserrors.WithAgentID(reg.ID)),
			})
			continue
		}

		msg := c.newMessage(req.From, reg.ID, req.Type, req.Payload, req.Options)
		sr := c.enqueue(ctx, reg, msg, req.Options)
		tr := TargetResult{Target: reg.ID, Success: sr.Success, MessageID: sr.MessageID, Error: sr.Error}
		if !sr.Success {
			c.logger.SendRejected(req.From, reg.ID, string(req.Type), sr.Error)
		}
		res.Results = append(res.Results, tr)
	}

	res.Total = len(res.Results)
	for _, r := range res.Results {
		if r.Success {
			res.Successful++
		}
	}
	res.NoTargets = res.Total == 0
	return res
}

// broadcastTargets resolves the recipients of req. Explicit targets that
// are not registered come back as failed results.
func (c *Courier) broadcastTargets(req BroadcastRequest) ([]registry.Registration, []TargetResult, *buserrors.Error) {
	if len(req.Targets) == 0 {
		filter := registry.Filter{Exclude: []string{req.From}}
		if req.Filter != nil {
			filter.Capabilities = req.Filter.Capabilities
			filter.Status = req.Filter.Status
			filter.Exclude = append(filter.Exclude, req.Filter.Exclude...)
		}
		regs, err := c.registry.List(&filter)
		if err != nil {
			return nil, nil, buserrors.Wrap(err, "list agents")
		}
		return regs, nil, nil
	}

	var (
		regs   []registry.Registration
		failed []TargetResult
		seen   = make(map[string]bool, len(req.Targets))
	)
	for _, id := range req.Targets {
		if seen[id] {
			continue
		}
		seen[id] = true

		reg, err := c.resolve(id)
		if err != nil {
			busErr := asBusError(err)
			if errors.Is(err, registry.ErrClosed) {
				return nil, nil, busErr
			}
			failed = append(failed, TargetResult{Target: id, Error: busErr})
			continue
		}
		if !registry.MatchesFilter(*reg, req.Filter) {
			continue
		}
		regs = append(regs, *reg)
	}
	return regs, failed, nil
}
