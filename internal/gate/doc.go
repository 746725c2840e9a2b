// Package gate implements the membership gate: the required-channel set, the
// verifier that checks a user against it, the controller that drives the
// gated /start flow, and the reconciler that audits the bot's own access to
// the configured channels.
package gate
