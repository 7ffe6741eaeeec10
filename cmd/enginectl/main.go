// Command enginectl is an operational CLI over a flowengine store: it
// manages cron schedules and runs the background cron-tick, cron-recovery,
// and orphan-recovery loops for an already-provisioned engine. Workflow and
// task registration happen in the embedding Go program, not here, so
// enginectl has no "run a workflow" subcommand — launching a workflow the
// binary itself doesn't know about would always fail dispatch.
package main

func main() {
	Execute()
}
