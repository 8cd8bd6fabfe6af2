// Package redact strips credentials from text before it is logged.
//
// The relay holds two secrets, the Matrix access token and the LLM API key.
// Transport errors can echo request details back, so the Matrix client and
// the completion adapter return errors through Secrets.Wrap, and log lines
// built from raw errors go through Error.
package redact

import "strings"

const placeholder = "[REDACTED]"

// minSecretLen is the shortest value that is redacted; shorter values would
// match too many ordinary substrings.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].
//
// Example:
//
//	safe := redact.String(line, apiKey, accessToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error returns err's message with sensitive values redacted, or "" for a
// nil error.
func Error(err error, sensitiveValues ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), sensitiveValues...)
}

// Secrets collects the values a component must never log.
type Secrets []string

// Redact applies String with every collected value.
func (s Secrets) Redact(text string) string { return String(text, s...) }

// RedactError applies Error with every collected value.
func (s Secrets) RedactError(err error) string { return Error(err, s...) }

// Wrap returns err with a redacted message. errors.Is and errors.As still
// match the original chain. A nil err stays nil.
func (s Secrets) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{msg: s.Redact(err.Error()), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
