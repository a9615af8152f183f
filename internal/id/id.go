// Package id generates the identifiers used across BrowserGrid.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewSession returns a new session identifier: a UUIDv7, so ids are
// time-ordered for index locality while staying valid UUID column values.
func NewSession() uuid.UUID {
	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("generate uuidv7: %v", err))
	}
	return u
}

// ConnToken returns a short alphanumeric token used to correlate the
// log lines of a single relay tunnel.
func ConnToken() string {
	tok, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 8)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return tok
}
