// Package secrets redacts credentials from text that leaves the process.
//
// Request paths lifted from live logs become incident summaries, agent
// prompts and chat messages. A leaked query-string token or a pasted
// connection string in any of them ends up in Jira and Slack history, so
// each of those boundaries passes its text through a Scrubber first.
//
// A nil *Scrubber is valid and returns content unchanged.
package secrets
