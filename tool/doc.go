// Package tool is the protocol adapter for the todo service.
//
// It declares a fixed catalog of seven operations with JSON Schema argument
// shapes, validates each invocation locally, dispatches it to a Backend and
// normalizes every outcome into one Envelope:
//
//	{"success": true, "message": "...", "data": ...}
//	{"error": "...", "type": "<kind>"}
//
// Validation failures never reach the Backend. mark_complete and
// mark_incomplete parse into UpdateRequest, so they share update's checks
// and error mapping.
package tool
