// Package auth guards the HTTP API with a single shared secret.
//
// A request is authenticated when it presents the configured token either as
// "Authorization: Bearer <token>" or in the configured custom header. Tokens
// are compared in constant time. An empty token disables the check, so the
// API is open by default.
//
// The token can be replaced at runtime with SetToken, which the config
// watcher uses to apply a reloaded secret without a restart.
package auth
