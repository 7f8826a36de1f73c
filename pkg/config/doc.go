// Package config loads traverse settings.
//
// Settings are layered: built-in defaults, then an optional CUE file, then
// environment variables, then validation. A CUE file may set any subset of
// fields:
//
//	feed: url: "https://calendar.example.com/family.ics"
//	tasks: listName: "Inbox"
//	notify: {
//		approvalUrl: "https://traverse.example.com/api/approval"
//		priority:    1
//	}
//	reconcile: approvalTimeout: "48h"
//
// The environment names of the original deployment (HTTPS_ICAL_FEED,
// TODOIST_LIST, TODOIST_APIKEY, PROWL_API_KEY, RAISE_APPROVAL_EVENT_URL,
// REGEX_TO_REPLACE, USE_APPLE_SHORTCUTS) are honoured alongside the TRAVERSE_
// prefixed ones.
package config
