// Package errors provides the structured error taxonomy shared by the shard
// fleet and the process supervisor. Every error carries a code, a category
// and optional shard/subsystem context so that supervisors can log and
// report failures without string matching.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (dial errors, etc.)
//   - Permanent: Failures where retry will not help (bad token, bad config, etc.)
//   - Resource: Resource exhaustion issues (session start quota, rate limits)
//   - Internal: Unexpected errors indicating bugs or protocol violations
//
// # Error Codes
//
// Gateway and supervision failures have their own codes:
//
//   - CONNECT_FAILED: a shard could not establish its session
//   - DECODE_FAILED: an inbound frame could not be decoded
//   - GATEWAY_QUERY: the recommended shard count could not be fetched
//   - SUBSYSTEM_FAILED: a supervised subsystem returned an error
//   - PANIC: a subsystem or handler panicked
//
// # Usage
//
// Create a new error:
//
//	err := errors.ConnectFailed(id.String(), dialErr)
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "discord server error")
//
// Check the code anywhere in the chain:
//
//	if errors.Is(err, errors.ErrCodeDecode) {
//	    // protocol violation, not a network blip
//	}
//
// # JSON Serialization
//
// Errors serialize to JSON so the web service can report shard outcomes:
//
//	data, err := json.Marshal(botErr)
//
// No retry logic lives in this repository; Retryable is advisory for the
// connection factory and for operators reading reports.
package errors
