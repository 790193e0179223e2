// Package jobtypes holds the built-in job types of the platform:
//
//   - backup: fetch running configs and commit them to git once per run
//   - run_commands: execute commands on devices and collect the output
//   - sync_inventory: align the monitoring system with the source of truth
//   - deploy_agent: push a rendered agent configuration
//
// Each job type only talks to the outside world through the collab
// interfaces passed to [RegisterAll]. backup and run_commands are fan-out
// capable; their batch functions report progress per finished device like
// the single-task handlers do.
package jobtypes
