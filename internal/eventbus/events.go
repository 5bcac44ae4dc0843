package eventbus

// Event types published by the engine.
const (
	ConfigReloaded = "config.reloaded"

	OccurrenceFired          = "occurrence.fired"
	SchedulerTaskLoaded      = "scheduler.task_loaded"
	SchedulerTaskDeactivated = "scheduler.task_deactivated"

	ReminderSent             = "reminder.sent"
	ReminderSnoozed          = "reminder.snoozed"
	ReminderDone             = "reminder.done"
	ReminderDismissed        = "reminder.dismissed"
	ReminderExpired          = "reminder.expired"
	ReminderEscalated        = "reminder.escalated"
	ReminderEscalationFailed = "reminder.escalation_failed"
	ReminderPruned           = "reminder.pruned"

	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"

	TasksReloaded = "tasks.reloaded"
)
