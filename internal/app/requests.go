package app

import (
	"context"
	"fmt"
	"strings"

	"nudgebot/internal/delivery"
	"nudgebot/internal/request"
	"nudgebot/internal/schedule"
	"nudgebot/pkg/logx"
)

// requestHandler turns control-plane requests into scheduler and delivery
// calls.
type requestHandler struct {
	sched   *schedule.Service
	deliver *delivery.Service
	log     logx.Logger
}

func newRequestHandler(sched *schedule.Service, deliver *delivery.Service, log logx.Logger) *requestHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &requestHandler{sched: sched, deliver: deliver, log: log}
}

// HandleReschedule rebuilds the user's slice of the job table. The rebuild
// diffs per period, so narrowing to one category buys nothing; a full
// per-user pass converges to the same table either way.
func (h *requestHandler) HandleReschedule(ctx context.Context, req request.Reschedule) error {
	h.log.Info("reschedule request",
		logx.String("user", req.UserID),
		logx.String("category", req.Category),
		logx.String("reason", req.Reason),
		logx.String("request", req.RequestID))
	return h.sched.EnsureSchedule(ctx, req.UserID)
}

// HandleTestMessage emits exactly one delivery for the category, bypassing
// the schedule and its fire marks.
func (h *requestHandler) HandleTestMessage(ctx context.Context, req request.TestMessage) error {
	category := strings.TrimSpace(req.Category)
	p := schedule.Payload{
		Kind:      schedule.KindForCategory(category),
		Category:  category,
		Channel:   req.Channel,
		Source:    schedule.SourceRequest,
		RequestID: req.RequestID,
	}
	if p.Kind == schedule.KindTaskReminder {
		task, ok, err := h.sched.SelectReminderTask(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("select reminder: %w", err)
		}
		// Without an eligible task the message still goes out, so the
		// channel can be verified end to end.
		if ok {
			p.TaskID = task.ID
			p.TaskTitle = task.Title
		}
	}
	h.log.Info("test message request",
		logx.String("user", req.UserID),
		logx.String("category", category),
		logx.String("request", req.RequestID))
	return h.deliver.Deliver(ctx, req.UserID, category, p)
}
