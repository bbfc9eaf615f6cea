package bus

// Control-plane event topics.
const (
	TopicControlAction        = "control.action"
	TopicConfirmationRequired = "confirmation.required"
	TopicConfirmationResolved = "confirmation.resolved"
	TopicQuestionQueued       = "question.queued"
	TopicQuestionAnswered     = "question.answered"
	TopicQuestionClosed       = "question.closed"
	TopicSecurityViolation    = "security.violation"
)
