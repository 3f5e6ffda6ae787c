// Package testutil provides shared test helpers for bulkwatch.
//
// # Fakes
//
//   - FakeClient - scripted job.Client; QueueJob sets job ids and status replies
//   - FakeEventSource - in-memory job.EventSource; replays history only with ReplayHistory
//   - BulkServer - httptest server implementing the bulk API, SSE and WebSocket
//
// # Fixtures
//
//   - SampleConfigYAML, SampleSymbols(n), SampleSummary(ok, failed)
//   - Progress(...), ProgressSeq(seq, ...), Seq(n), Item(s)
//   - Running(p), Completed(p, s), Failed(msg), PollError(err) status replies
//
// # Environment
//
//   - SetupTestDir(t, yaml) - temp dir with .bulkwatch/config.yaml and .env
//   - NewMemoryStore(t, ns) - store over an in-memory backend
//   - JobContext(t), Eventually(t, timeout, cond, msg)
//
// # Assertions
//
//   - AssertJobState, AssertProgress, AssertPercentage read tracker keys
package testutil
