package websocket

// Event type constants. Every frame carries one of these in its "type" field;
// the namespaced prefixes group events by page or subsystem.
const (
	EventPing  = "ping"
	EventError = "error"

	// Client -> server request types handled by the hub's receive loop.
	EventAuthFirebaseToken      = "auth.firebase_token"
	EventDashboardOrchestrate   = "dashboard.orchestrate_init"
	EventDashboardCompanyChange = "dashboard.company_change"
	EventDashboardRefresh       = "dashboard.refresh"
	EventTaskList               = "task.list"
	EventTaskExecute            = "task.execute"
	EventTaskToggleEnabled      = "task.toggle_enabled"
	EventTaskUpdate             = "task.update"

	// Server -> client responses to the request types above.
	EventAuthResult        = "auth.result"
	EventDashboardSnapshot = "dashboard.snapshot"
	EventTaskSnapshot      = "task.snapshot"
	EventTaskResult        = "task.result"

	// Server -> client notification types.
	EventNotificationsSnapshot = "notifications.snapshot"
	EventDirectMessageSnapshot = "direct_message.snapshot"
	EventChatMessage           = "chat.message"
	EventWorkflowInvoiceUpdate = "workflow.invoice_update"
	EventWorkflowStepUpdate    = "workflow.step_update"
	EventTransactionStatus     = "transaction.status_change"

	// Streaming events emitted during a UI-mode agent turn.
	EventStreamStart = "stream.start"
	EventStreamChunk = "stream.chunk"
	EventStreamEnd   = "stream.end"
	EventStreamError = "stream.error"
)

// Namespace prefixes used across the event taxonomy.
const (
	PrefixAuth            = "AUTH."
	PrefixLLM             = "LLM."
	PrefixDashboard       = "DASHBOARD."
	PrefixInvoices        = "INVOICES."
	PrefixCompanySettings = "COMPANY_SETTINGS."
	PrefixChat            = "CHAT."
	PrefixCOA             = "COA."
	PrefixTask            = "TASK."
	PrefixApproval        = "APPROVAL."
	PrefixWorkflow        = "WORKFLOW."
)

// Error codes surfaced on the socket.
const (
	ErrorCodeBadRequest  = "BAD_REQUEST"
	ErrorCodeAuthFailed  = "AUTH_FAILED"
	ErrorCodeUnknownType = "UNKNOWN_TYPE"
	ErrorCodeInternal    = "INTERNAL"
)
