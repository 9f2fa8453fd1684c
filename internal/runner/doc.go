// Package runner drives one containerized build per job.
//
// A Factory allocates the job's workspace and returns a Runner bound to it.
// Runner.Run mounts the workspace into the build container at a fixed mount
// point, invokes the fixed build entry point, and blocks until the container
// exits.
//
// Output handling:
//   - stdout and stderr are merged into a single stream
//   - the stream is tee'd into <workspace>/output.log and the process's stderr
//
// Error handling:
//   - runtime binary missing or not startable → ErrInvocation
//   - log file not creatable, output copy failed → ErrInvocation
//   - non-zero container exit → logged, reported in Result.ExitCode, no error
//     (ErrNonZeroExit when Config.StrictExitCode is set)
//
// Not supported: retries, timeouts, cancellation.
package runner
