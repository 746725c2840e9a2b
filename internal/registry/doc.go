// Package registry persists the bot's durable recipient state:
//   - required channels (the membership gate configuration)
//   - users who have ever talked to the bot
//   - group chats the bot has been added to
//
// All writes are idempotent upserts keyed on the platform identifier, so
// replaying an interaction never creates duplicates.
package registry
