package testutil

import "doc-access/internal/fixture"

// DocBuilder assembles documents for tests.
type DocBuilder = fixture.Builder

// NewDoc returns a builder with empty metadata tables.
func NewDoc() *DocBuilder { return fixture.NewBuilder() }
