// Package agent contains the research executor that turns a paid session's
// request into a markdown report and answers follow-up messages. Text
// generation is delegated to an llm.Client; curated notes come from a
// knowledge.Provider.
package agent
