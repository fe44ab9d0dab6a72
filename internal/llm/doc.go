// Package llm contains adapters for generating research text. It abstracts
// away provider-specific APIs so the research executor can run against a
// hosted model or the built-in template generator.
package llm
