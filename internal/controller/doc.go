// Package controller runs the lifecycle of submitted scrape jobs. A Session
// owns one job: a single consumer goroutine reads the progress subscription
// and is the only writer of the job's lifecycle.Machine, while the session
// also coordinates cancellation and detach. A Tracker keeps the sessions of
// every job the service is watching.
package controller
