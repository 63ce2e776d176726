// Package scrape defines the domain vocabulary shared by the lifecycle
// controller: jobs, phases, status records, cancellation dispositions, the
// error taxonomy, and the ports through which the collaborator API is reached.
// It has no dependencies on transports or storage.
package scrape
