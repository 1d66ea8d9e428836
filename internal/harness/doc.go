// Package harness runs conformance scenarios against the sync engine.
//
// A scenario seeds a fake server with an event log, then delivers those
// events to a real Session in whatever order it wants to test: out of
// order, duplicated, with gaps left open until the coalescing timer fires,
// with failing or too-long server answers. Everything runs on one manual
// scheduler and a manual clock, so the trace of a scenario is the same on
// every run and can be compared against a golden file.
//
// # Scenario Format
//
//	name: gap_timeout_recovery
//	description: "A gap nobody fills is recovered through the server"
//	client: user              # or bot; selects the difference batch size
//	initial:                  # starting counters; global defaults to 1
//	  global: 1
//	server:                   # event log, referenced 1-based by steps
//	  - message: { conversation: c1, id: 1, text: a }
//	  - scope: conv:big
//	    count: 2
//	    message: { conversation: big, id: 7 }
//	steps:
//	  - admit: [1, 3]
//	  - advance: 500ms
//	  - fail_queries: 2
//	  - too_long: global
//	  - deny: conv:big
//	  - insert_local: { conversation: c1, text: draft }
//	  - reset: { scope: global, baseline: 10 }
//	assertions:
//	  - { type: seq, scope: global, value: 4 }
//	  - { type: messages, conversation: c1, ids: [1, 2, 3] }
//	  - { type: recoveries, scope: global, count: 1, result: recovered }
//	  - { type: state, scope: global, state: idle }
//	  - { type: outcomes, scope: global, outcome: stale, count: 1 }
//	  - { type: contiguity, conversation: c1, from: 3, direction: backward, limit: 10, ids: [3, 2, 1], truncated: true }
//	  - { type: unread, value: 3 }
//
// # Trace Format
//
// One line per event: a "# <n> <step>" marker before every step, then
// whatever the session reported through its observer while the step ran
// (admissions with their outcome, gaps, recovery start and finish).
// Golden files are these lines verbatim.
package harness
