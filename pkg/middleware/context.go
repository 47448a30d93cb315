package middleware

// ContextKey is used for context values set by middleware.
type ContextKey string

// ContextRequestID is the context key RequestID stores the per-request
// correlation id under.
const ContextRequestID ContextKey = "requestID"
