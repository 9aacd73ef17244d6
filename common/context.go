package common

type contextKey string

// ClientContextKey carries the authenticated client id through a request.
const ClientContextKey contextKey = "client"
