// Package users manages accounts: registration, credential checks and their
// SQLite persistence.
package users
