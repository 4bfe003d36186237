// Package invocation tracks intercepted calls between their entry and exit records.
//
// The kernel identifies a call by a cookie (the pid_tgid of the calling task). A
// cookie is unique while its call is in flight and is reused by the next call on the
// same task, so the table holds only the binding.Invocation, never record data.
package invocation
