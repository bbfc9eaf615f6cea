package server

import (
	"context"

	"github.com/basket/runplane/internal/control"
	rpotel "github.com/basket/runplane/internal/otel"
	"github.com/basket/runplane/internal/question"
)

// resolveChildQuestion forwards a closed question's outcome to the child
// run that asked it. Best effort: the parent's own state already changed
// and persisted, so every failure here is logged and swallowed. The
// attempt count is persisted before the call so a crash cannot reset the
// retry budget.
func (s *Server) resolveChildQuestion(ctx context.Context, record question.Record) {
	if !record.Closed() || !record.AutoPause || record.FromManifestPath == "" {
		return
	}
	if record.ResolutionDone || record.ResolutionAttempts >= question.MaxResolutionAttempts {
		return
	}

	var childAction control.Action
	reason := ""
	switch record.Status {
	case question.StatusAnswered:
		childAction = control.ActionResume
		reason = "question_answered"
	case question.StatusDismissed:
		childAction = control.ActionResume
		reason = "question_dismissed"
	case question.StatusExpired:
		switch record.ExpiryFallback {
		case question.FallbackResume:
			childAction = control.ActionResume
		case question.FallbackFail:
			childAction = control.ActionFail
		default:
			// pause fallback: the child stays paused, nothing to send.
			s.markQuestionResolved(record.QuestionID)
			return
		}
		reason = "question_expired"
	default:
		return
	}

	ctx, span := rpotel.StartClientSpan(ctx, s.tracer, "resolve child question",
		rpotel.AttrQuestionID.String(record.QuestionID),
		rpotel.AttrChildRunID.String(record.FromRunID),
		rpotel.AttrAction.String(string(childAction)),
	)
	defer span.End()

	s.mu.Lock()
	attempts, err := s.questions.NoteResolutionAttempt(record.QuestionID)
	if err == nil {
		err = s.persistQuestionsLocked()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.ErrorContext(ctx, "question resolution bookkeeping failed",
			"question_id", record.QuestionID, "error", err)
		return
	}

	// Only steer a child that is actually parked on this question. A child
	// that moved on (user intervention, its own runner) keeps its state.
	snapshot, err := s.forwarder.Call(ctx, record.FromManifestPath, "/ui/data.json", nil, nil)
	if err != nil {
		s.metrics.ForwardFailures.Add(ctx, 1)
		s.logger.WarnContext(ctx, "child snapshot fetch failed",
			"question_id", record.QuestionID,
			"attempt", attempts,
			"error", err)
		return
	}
	action, actionReason := latestChildAction(snapshot)
	if action != string(control.ActionPause) || actionReason != "awaiting_question_answer" {
		s.markQuestionResolved(record.QuestionID)
		return
	}

	_, err = s.forwarder.Call(ctx, record.FromManifestPath, "/control/action", map[string]any{
		"action":       string(childAction),
		"reason":       reason,
		"requested_by": "parent:" + s.cfg.RunID,
	}, nil)
	if err != nil {
		s.metrics.ForwardFailures.Add(ctx, 1)
		s.logger.WarnContext(ctx, "child question resolution failed",
			"question_id", record.QuestionID,
			"action", string(childAction),
			"attempt", attempts,
			"error", err)
		return
	}

	s.markQuestionResolved(record.QuestionID)
	s.logger.InfoContext(ctx, "child question resolved",
		"question_id", record.QuestionID,
		"action", string(childAction),
		"reason", reason)
}

func (s *Server) markQuestionResolved(questionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.questions.MarkResolved(questionID); err != nil {
		return
	}
	if err := s.persistQuestionsLocked(); err != nil {
		s.logger.Error("persist after question resolution failed",
			"question_id", questionID, "error", err)
	}
}

// latestChildAction digs the latest control action out of a child's
// dataset snapshot.
func latestChildAction(snapshot map[string]any) (action, reason string) {
	ctrl, ok := snapshot["control"].(map[string]any)
	if !ok {
		return "", ""
	}
	latest, ok := ctrl["latest_action"].(map[string]any)
	if !ok {
		return "", ""
	}
	action, _ = latest["action"].(string)
	reason, _ = latest["reason"].(string)
	return action, reason
}
